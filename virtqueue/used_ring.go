package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the driver to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. The driver still kicks once the number of chains posted
	// since the last kick grows beyond half the 16-bit index range.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory. The trailing two bytes are the available event
// suppression slot.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the
// device and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
//
// As with the [AvailableRing], the flags and index fields share one 32-bit
// word which is read with a single atomic load, making the index read an
// acquire of the device's element writes.
type UsedRing struct {
	initialized bool

	// flagsAndIndex overlays the flags field (low half) and the ring index
	// (high half). Both halves are device-owned.
	flagsAndIndex *atomic.Uint32
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is the device-written slot the driver compares its
	// available ring index against before kicking, when the event index
	// feature was negotiated. Accessed through the aligned 32-bit word it
	// starts at; the high half is padding.
	availableEvent *atomic.Uint32

	// tail is the driver-internal index up to which all [UsedElement]s were
	// processed.
	tail uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	r := UsedRing{
		initialized:    true,
		flagsAndIndex:  (*atomic.Uint32)(unsafe.Pointer(&mem[0])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*atomic.Uint32)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.tail = r.Index()
	return &r
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flagsAndIndex))
}

// Index returns the device's producer cursor. The atomic load orders it
// before any subsequent reads of ring elements, so an element below the
// returned index is safe to read.
func (r *UsedRing) Index() uint16 {
	return uint16(r.flagsAndIndex.Load() >> 16)
}

// Flags returns the device-written ring flags.
func (r *UsedRing) Flags() usedRingFlag {
	return usedRingFlag(r.flagsAndIndex.Load())
}

// availableEventIndex returns the available ring index for which the device
// requested its next kick. Only meaningful when the event index feature was
// negotiated.
func (r *UsedRing) availableEventIndex() uint16 {
	return uint16(r.availableEvent.Load())
}

// consume returns the next unprocessed [UsedElement] below the given device
// index and advances the driver tail. The second return is false when the
// tail has caught up with the index.
func (r *UsedRing) consume(deviceIndex uint16) (UsedElement, bool) {
	if r.tail == deviceIndex {
		return UsedElement{}, false
	}
	element := r.ring[int(r.tail)%len(r.ring)]
	r.tail++
	return element, true
}

// pending reports the number of elements the device has put into the ring
// that were not consumed yet. The 16-bit indexes may have wrapped; the
// subtraction is correct regardless.
func (r *UsedRing) pending() int {
	return int(r.Index() - r.tail)
}
