package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and the free
// list is empty. This value is impossible to occur as an index naturally,
// because it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice.
//
// Descriptors which are not part of a posted chain form a free list: a stack
// threaded through the next field of the unused descriptors themselves. The
// counted semaphore always holds one permit per free descriptor, which is how
// callers get backpressure when the queue runs full.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the top of the free list. When all
	// descriptors are in use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16

	// available mirrors freeNum. Callers acquire permits before descriptors
	// are allocated on their behalf; [DescriptorTable.free] returns them.
	available *semaphore.Weighted
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
//
// Before this descriptor table can be used, [DescriptorTable.initialize] must
// be called.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		// We have no free descriptors until they were initialized.
		freeHeadIndex: noFreeHead,
		freeNum:       0,
		// The semaphore starts with all permits available, matching the
		// fully free table that initialize produces.
		available: semaphore.NewWeighted(int64(queueSize)),
	}
}

// Address returns the pointer to the beginning of the descriptor table in
// memory. Do not modify the memory directly to not interfere with this
// implementation.
func (dt *DescriptorTable) Address() uintptr {
	if dt.descriptors == nil {
		panic("descriptor table is not initialized")
	}
	return uintptr(unsafe.Pointer(&dt.descriptors[0]))
}

// initialize threads all descriptors into the free list. Pushing indexes in
// ascending order means the first allocation returns the highest index, which
// is of no significance but keeps the layout predictable for tests.
func (dt *DescriptorTable) initialize() {
	dt.freeHeadIndex = noFreeHead
	dt.freeNum = 0
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{}
		dt.push(uint16(i))
	}
}

// push puts a descriptor on top of the free list.
func (dt *DescriptorTable) push(index uint16) {
	dt.descriptors[index].next = dt.freeHeadIndex
	dt.freeHeadIndex = index
	dt.freeNum++
}

// allocate pops a descriptor off the free list. Callers must hold a
// corresponding semaphore permit, which is why running out of descriptors
// here is a programming error and not a recoverable condition.
func (dt *DescriptorTable) allocate() uint16 {
	if dt.freeHeadIndex == noFreeHead {
		panic("descriptor allocated without holding a free descriptor permit")
	}
	index := dt.freeHeadIndex
	// The bottom of the stack carries noFreeHead in its next field, so an
	// emptied list marks itself.
	dt.freeHeadIndex = dt.descriptors[index].next
	dt.freeNum--
	return index
}

// free pushes a descriptor back onto the free list and returns its permit to
// the semaphore. The permit is released only after the descriptor is fully
// back on the list.
func (dt *DescriptorTable) free(index uint16) {
	dt.descriptors[index].length = 0
	dt.descriptors[index].flags = 0
	dt.push(index)
	dt.available.Release(1)
}

// createChain allocates one descriptor per buffer and links them into a
// chain. The buffers are walked in reverse so that each descriptor's next
// field can point at the descriptor written in the previous iteration; the
// head ends up being allocated last and is returned.
//
// Callers must hold len(chain) semaphore permits.
func (dt *DescriptorTable) createChain(chain BufferChain) uint16 {
	hasPrev := false
	var prev uint16
	for i := len(chain) - 1; i >= 0; i-- {
		b := &chain[i]
		index := dt.allocate()
		desc := &dt.descriptors[index]
		desc.address = b.Address
		desc.length = b.Length
		desc.flags = 0
		if b.Writable {
			desc.flags |= descriptorFlagWritable
		}
		if hasPrev {
			desc.flags |= descriptorFlagHasNext
		}
		// For the tail this points at descriptor zero but is never
		// followed, because the has-next flag is clear there.
		desc.next = prev
		prev = index
		hasPrev = true
	}
	return prev
}

// freeChain walks the chain starting at the given head and returns every
// descriptor of it to the free list. The number of freed descriptors is
// returned.
//
// A chain that is longer than the table can only be the result of corrupted
// ring memory, which the virtio contract makes undefined behavior; it is
// caught here to fail loudly instead of looping forever.
func (dt *DescriptorTable) freeChain(head uint16) int {
	if int(head) >= len(dt.descriptors) {
		panic(fmt.Sprintf("used ring returned out of range descriptor index %d", head))
	}

	count := 0
	index := head
	for {
		desc := &dt.descriptors[index]
		next := desc.next
		hasNext := desc.flags&descriptorFlagHasNext != 0
		dt.free(index)

		count++
		if count > len(dt.descriptors) {
			panic(fmt.Sprintf("descriptor chain starting at %d is longer than the table", head))
		}

		if !hasNext {
			return count
		}
		index = next
	}
}
