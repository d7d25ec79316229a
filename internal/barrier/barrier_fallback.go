//go:build !(amd64 && cgo)

package barrier

import "sync/atomic"

var guard uint32

// Store orders all prior stores before subsequent stores. The locked
// read-modify-write acts as a full barrier, which is strictly stronger.
func Store() {
	atomic.AddUint32(&guard, 0)
}

// Full orders all prior memory operations before subsequent ones.
func Full() {
	atomic.AddUint32(&guard, 0)
}
