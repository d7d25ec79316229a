package virtq

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want []string
	}{
		{
			name: "code only",
			err:  NewError("", CodeNoDescrAvail, ""),
			want: []string{"virtq:", "no descriptors available"},
		},
		{
			name: "op and queue",
			err:  NewQueueError("DISPATCH", 3, CodeNoDescrAvail, ""),
			want: []string{"op=DISPATCH", "queue=3"},
		},
		{
			name: "size error carries length",
			err:  NewSizeError("PREP_BUFFER", 17),
			want: []string{"got 17", "op=PREP_BUFFER"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestErrorsIsMatching(t *testing.T) {
	err := NewQueueError("DISPATCH", 0, CodeNoDescrAvail, "")

	if !errors.Is(err, ErrNoDescrAvail) {
		t.Error("errors.Is against the code sentinel failed")
	}
	if errors.Is(err, ErrAllocation) {
		t.Error("errors.Is matched the wrong sentinel")
	}
	if !errors.Is(err, NewError("OTHER_OP", CodeNoDescrAvail, "different message")) {
		t.Error("errors.Is between structured errors with equal codes failed")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("arena exhausted")
	err := WrapError("PULL", CodeAllocation, inner)

	if !errors.Is(err, inner) {
		t.Error("wrapped error lost its inner error")
	}
	if err.Code != CodeAllocation {
		t.Errorf("Code = %q, want %q", err.Code, CodeAllocation)
	}
}

func TestWrapErrorKeepsStructured(t *testing.T) {
	inner := NewQueueError("SELECT_VQ", 5, CodeQueueNotExisting, "queue index out of range")
	err := WrapError("NEW_QUEUE", CodeGeneral, inner)

	if err.Code != CodeQueueNotExisting {
		t.Errorf("Code = %q, want inner code preserved", err.Code)
	}
	if err.Op != "NEW_QUEUE" {
		t.Errorf("Op = %q, want NEW_QUEUE", err.Op)
	}
	if err.Queue != 5 {
		t.Errorf("Queue = %d, want 5", err.Queue)
	}

	if WrapError("OP", CodeGeneral, nil) != nil {
		t.Error("wrapping nil did not return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError("PULL", CodeNoDescrAvail, ""))
	if !IsCode(err, CodeNoDescrAvail) {
		t.Error("IsCode failed through wrapping")
	}
	if IsCode(err, CodeAllocation) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(nil, CodeNoDescrAvail) {
		t.Error("IsCode matched nil")
	}
}
