package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the driver to advise the device
	// to not interrupt it when consuming a buffer. It's unreliable, so it's
	// simply an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory. The trailing two bytes are the used
// event suppression slot.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as required by the virtio spec.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the
// device. Each ring entry refers to the head of a descriptor chain. It is only
// written to by the driver and read by the device.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
//
// The flags and index fields share one 32-bit word in the little-endian
// legacy layout. Accessing them jointly through a single atomic gives the
// index publication release semantics without needing 16-bit atomics, the
// same way shared ring cursors are handled elsewhere in the ecosystem. Both
// halves are driver-owned, so the driver keeps shadow copies and always
// writes the whole word.
type AvailableRing struct {
	initialized bool

	// flagsAndIndex overlays the flags field (low half) and the ring index
	// (high half).
	flagsAndIndex *atomic.Uint32
	// ring references buffers using the index of the head of the descriptor
	// chain in the [DescriptorTable]. It wraps around at queue size.
	ring []uint16
	// usedEvent is the driver-written slot the device compares its used ring
	// index against before sending an interrupt, when the event index
	// feature was negotiated. The slot is 16 bits wide but is accessed
	// through the aligned 32-bit word it lives in, so that the store
	// participates in the seq-cst "write slot, then re-check the used index"
	// dance. The high half of that word is padding.
	usedEvent *atomic.Uint32

	// flags is the driver-side shadow of the flags field.
	flags availableRingFlag
	// head is the driver-side cursor: the next ring slot to fill. It is only
	// published to the device by [AvailableRing.publish].
	head uint16
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		initialized:   true,
		flagsAndIndex: (*atomic.Uint32)(unsafe.Pointer(&mem[0])),
		ring:          unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		// The used event slot sits behind the ring array. With the queue
		// size being even, its offset is a multiple of 4, so the 32-bit
		// word starting there is aligned. The word reaches two bytes past
		// the ring structure into the padding before the used ring.
		usedEvent: (*atomic.Uint32)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *AvailableRing) Address() uintptr {
	if !r.initialized {
		panic("available ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flagsAndIndex))
}

// offerSingle places a descriptor chain head into the next ring slot and
// advances the driver-side cursor. The device does not see the new entry
// until [AvailableRing.publish] is called.
func (r *AvailableRing) offerSingle(chainHead uint16) {
	// The 16-bit cursor may overflow. This is expected and is not an issue
	// because the size of the ring array (which equals the queue size) is
	// always a power of 2 and smaller than the highest possible 16-bit
	// value.
	r.ring[int(r.head)%len(r.ring)] = chainHead
	r.head++
}

// publish makes all previously offered chain heads visible to the device by
// storing the driver cursor into the shared index field. The atomic store
// orders all descriptor and ring entry writes before it.
func (r *AvailableRing) publish() {
	r.flagsAndIndex.Store(uint32(r.flags) | uint32(r.head)<<16)
}

// setNoInterrupt updates the interrupt suppression flag. Takes effect with
// the next [AvailableRing.publish] or immediately through the joint word
// store done here.
func (r *AvailableRing) setNoInterrupt(suppress bool) {
	if suppress {
		r.flags |= availableRingFlagNoInterrupt
	} else {
		r.flags &^= availableRingFlagNoInterrupt
	}
	r.flagsAndIndex.Store(uint32(r.flags) | uint32(r.head)<<16)
}

// setUsedEvent asks the device to interrupt once its used ring index reaches
// the given value. Only meaningful when the event index feature was
// negotiated.
func (r *AvailableRing) setUsedEvent(index uint16) {
	// The high half of the word is padding owned by nobody, so zeroing it
	// along with the store is fine.
	r.usedEvent.Store(uint32(index))
}
