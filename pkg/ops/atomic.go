package ops

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// Cross-group reductions (quantile merge, unorm, running maxima) go
// through CAS loops on the float bit pattern, standing in for the
// device-side atomics the kernels would otherwise use.

func atomicAddFloat32(addr *float32, delta float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		upd := math.Float32bits(math.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(p, old, upd) {
			return
		}
	}
}

func atomicMaxFloat32(addr *float32, v float32) {
	p := (*uint32)(unsafe.Pointer(addr))
	for {
		old := atomic.LoadUint32(p)
		cur := math.Float32frombits(old)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint32(p, old, math.Float32bits(v)) {
			return
		}
	}
}
