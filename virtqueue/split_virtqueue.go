package virtqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/slackhq/virtnet/eventfd"
)

// ErrQueueClosed is returned when the queue is closed while operations are
// still running.
var ErrQueueClosed = errors.New("virtqueue was closed")

// usedRingLegacyAlignment is the alignment of the used ring within the
// legacy virtqueue layout. The legacy interface pads the used ring up to the
// next 4096-byte boundary regardless of the system's page size.
const usedRingLegacyAlignment = 4096

// Buffer describes one fragment of a logical buffer that is to be submitted
// to the device.
type Buffer struct {
	// Address is the guest-physical address of the fragment, which equals
	// its virtual address (see [BufferAddress]).
	Address uint64
	// Length is the number of bytes of the fragment.
	Length uint32
	// Writable marks the fragment as device-writable (otherwise the device
	// only reads it).
	Writable bool
	// Completed, when set on the first buffer of a chain, is invoked with
	// the number of bytes the device wrote into the chain once the device
	// has returned the chain through the used ring. Completions on non-head
	// buffers never fire.
	Completed func(length uint32)
}

// BufferChain is an ordered list of buffers that is submitted to the device
// as a single descriptor chain.
type BufferChain []Buffer

// BufferAddress returns the guest-physical address of the given buffer. The
// driver reports an identity mapping of the whole process address space to
// the device, so this is simply the buffer's virtual address.
func BufferAddress(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// SplitQueue is a virtqueue that consists of several parts, where each part
// is writeable by either the driver or the device, but not both.
//
// The queue hands buffer chains to the device and fires their completions as
// the device returns them. Callers acquire permits from
// [SplitQueue.AvailableDescriptors] before posting, which is what provides
// backpressure when the ring runs full.
//
// All ring state is guarded by a single mutex so that submitters and the
// completion loop may run on different goroutines. Completions themselves
// are invoked without the lock held.
type SplitQueue struct {
	// size is the size of the queue.
	size int
	// buf is the underlying memory used for the queue.
	buf []byte

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// kickEventFD is used to signal the device when descriptor chains were
	// added to the available ring.
	kickEventFD eventfd.EventFD
	// callEventFD is used by the device to signal when it has used
	// descriptor chains and put them in the used ring.
	callEventFD eventfd.EventFD
	epoll       eventfd.Epoll

	// eventIndex is whether the event index feature was negotiated. It
	// selects between the flag-based and index-based suppression protocols
	// for both kicks and interrupts.
	eventIndex bool

	// completions holds the per-descriptor completion slots. Only the slot
	// belonging to the head of a posted chain is ever armed.
	completions []func(length uint32)

	// addedSinceKick counts the chains published since the device was last
	// kicked. Input to the event index kick decision.
	addedSinceKick uint16

	mu     sync.Mutex
	closed atomic.Bool
}

// NewSplitQueue allocates a new [SplitQueue] in memory. The given queue size
// specifies the number of entries/buffers the queue can hold. This also
// affects the memory consumption.
//
// When eventIndex is true, the queue uses the event index protocol for
// notification suppression in both directions. The caller is responsible for
// actually negotiating the feature with the device.
func NewSplitQueue(queueSize int, eventIndex bool) (_ *SplitQueue, err error) {
	if err = CheckQueueSize(queueSize); err != nil {
		return nil, err
	}

	sq := SplitQueue{
		size:        queueSize,
		eventIndex:  eventIndex,
		completions: make([]func(uint32), queueSize),
	}

	// Clean up a partially initialized queue when something fails.
	defer func() {
		if err != nil {
			_ = sq.Close()
		}
	}()

	// The memory for the virtqueue parts is allocated manually instead of
	// using Go structs, for multiple reasons: the ring sizes depend on the
	// queue size, Go cannot guarantee the alignment the virtio spec demands,
	// and the garbage collector must never move or collect the memory while
	// the device works with it.
	//
	// The layout matches the legacy split virtqueue: the descriptor table at
	// the start of the first page, directly followed by the available ring,
	// then the used ring on the next 4096-byte boundary.
	descriptorTableStart := 0
	descriptorTableEnd := descriptorTableStart + descriptorTableSize(queueSize)
	availableRingStart := align(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingStart := align(availableRingEnd, usedRingLegacyAlignment)
	usedRingEnd := usedRingStart + usedRingSize(queueSize)

	// The event suppression slots are accessed through the aligned 32-bit
	// words they start at, which reach two bytes past the used ring, so
	// leave room for that.
	sq.buf, err = unix.Mmap(-1, 0, usedRingEnd+2,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue buffer: %w", err)
	}

	sq.descriptorTable = newDescriptorTable(queueSize, sq.buf[descriptorTableStart:descriptorTableEnd])
	sq.availableRing = newAvailableRing(queueSize, sq.buf[availableRingStart:availableRingEnd])
	sq.usedRing = newUsedRing(queueSize, sq.buf[usedRingStart:usedRingEnd])
	sq.descriptorTable.initialize()

	sq.kickEventFD, err = eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create kick event file descriptor: %w", err)
	}
	sq.callEventFD, err = eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create call event file descriptor: %w", err)
	}

	sq.epoll, err = eventfd.NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("create epoll instance: %w", err)
	}
	if err = sq.epoll.AddEvent(sq.callEventFD.FD()); err != nil {
		return nil, fmt.Errorf("watch call event file descriptor: %w", err)
	}

	return &sq, nil
}

// Size returns the size of this queue, which is the number of
// entries/buffers this queue can hold.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// DescriptorTable returns the [DescriptorTable] behind this queue.
func (sq *SplitQueue) DescriptorTable() *DescriptorTable {
	return sq.descriptorTable
}

// AvailableRing returns the [AvailableRing] behind this queue.
func (sq *SplitQueue) AvailableRing() *AvailableRing {
	return sq.availableRing
}

// UsedRing returns the [UsedRing] behind this queue.
func (sq *SplitQueue) UsedRing() *UsedRing {
	return sq.usedRing
}

// KickEventFD returns the kick event file descriptor behind this queue.
// The returned file descriptor should be used with great care to not
// interfere with this implementation.
func (sq *SplitQueue) KickEventFD() int {
	return sq.kickEventFD.FD()
}

// CallEventFD returns the call event file descriptor behind this queue.
// The returned file descriptor should be used with great care to not
// interfere with this implementation.
func (sq *SplitQueue) CallEventFD() int {
	return sq.callEventFD.FD()
}

// AvailableDescriptors returns the semaphore that counts the free
// descriptors of this queue. Callers must acquire one permit per buffer
// before posting a chain; the permits travel with the descriptors and are
// released when the device returns them.
func (sq *SplitQueue) AvailableDescriptors() *semaphore.Weighted {
	return sq.descriptorTable.available
}

// Post submits the given buffer chains to the device. The chains are written
// to the descriptor table and made visible to the device with a single index
// publication, followed by a kick when the device asked for one.
//
// The caller must hold one semaphore permit (see
// [SplitQueue.AvailableDescriptors]) for every buffer across all chains.
//
// Completions attached to the chain heads fire asynchronously from the
// completion loop once the device returns the chains, see [SplitQueue.Run].
func (sq *SplitQueue) Post(chains []BufferChain) error {
	for _, chain := range chains {
		if len(chain) == 0 {
			return ErrDescriptorChainEmpty
		}
	}

	sq.mu.Lock()
	for _, chain := range chains {
		head := sq.descriptorTable.createChain(chain)
		sq.completions[head] = chain[0].Completed
		sq.availableRing.offerSingle(head)
		sq.addedSinceKick++
	}
	// Publishing the new index is a release store: the device observes the
	// descriptor and ring entry writes of the whole batch before the index.
	sq.availableRing.publish()
	err := sq.kick()
	sq.mu.Unlock()
	if err != nil {
		return err
	}

	// Harvest any completions the device produced in the meantime. This is
	// purely an optimization to overlap with the device.
	sq.processUsed()

	return nil
}

// kick notifies the device that new chains are available, unless the device
// asked for the notification to be suppressed. Callers must hold sq.mu.
func (sq *SplitQueue) kick() error {
	var needKick bool
	// The index publication and the loads below are all seq-cst, which
	// orders the fresh index value before the suppression check on both
	// sides.
	if sq.eventIndex {
		availIndex := sq.availableRing.head
		availEvent := sq.usedRing.availableEventIndex()
		// The device asked to be kicked once the available index passes
		// availEvent. Wrapping 16-bit arithmetic: true iff the batch since
		// the last kick stepped over that mark.
		needKick = availIndex-availEvent-1 < sq.addedSinceKick
	} else {
		needKick = sq.usedRing.Flags()&usedRingFlagNoNotify == 0
	}

	// Even with kicks suppressed, kick once the unkicked window grows beyond
	// 32767 chains (half the 16-bit wrap range), or the wrapping comparison
	// above turns ambiguous.
	if needKick || sq.addedSinceKick > math.MaxUint16/2 {
		if err := sq.kickEventFD.Kick(); err != nil {
			return fmt.Errorf("notify device: %w", err)
		}
		sq.addedSinceKick = 0
	}

	return nil
}

// completionEvent pairs an armed completion with the length reported by the
// device, for invocation after the ring lock is dropped.
type completionEvent struct {
	fn     func(length uint32)
	length uint32
}

// processUsed drains the used ring, returns all used descriptor chains to
// the free list and fires their head completions. It re-enables interrupts
// before leaving and re-checks the ring afterwards, so that an element the
// device added during the suppressed window is not missed.
func (sq *SplitQueue) processUsed() {
	var fired []completionEvent

	for {
		sq.mu.Lock()
		sq.disableInterrupts()

		// Acquire load: the elements below deviceIndex are fully written.
		deviceIndex := sq.usedRing.Index()
		for {
			element, ok := sq.usedRing.consume(deviceIndex)
			if !ok {
				break
			}
			head := element.GetHead()
			completion := sq.completions[head]
			sq.completions[head] = nil
			// Returning the descriptors also releases their semaphore
			// permits, in that order.
			sq.descriptorTable.freeChain(head)
			if completion != nil {
				fired = append(fired, completionEvent{completion, element.Length})
			}
		}

		more := sq.enableInterrupts()
		sq.mu.Unlock()

		// Completions run without the ring lock, so they are free to post
		// new chains or block on downstream delivery.
		for _, event := range fired {
			event.fn(event.length)
		}
		fired = fired[:0]

		if !more {
			return
		}
	}
}

// disableInterrupts advises the device to skip interrupts while the driver
// is already draining the used ring. With the event index feature the device
// ignores the flag and honors the used event slot instead, so there is
// nothing to do.
func (sq *SplitQueue) disableInterrupts() {
	if !sq.eventIndex {
		sq.availableRing.setNoInterrupt(true)
	}
}

// enableInterrupts re-arms the device interrupt and reports whether new
// elements snuck into the used ring while interrupts were off. When it
// returns true the caller must drain again, because the device may have
// skipped the notification.
func (sq *SplitQueue) enableInterrupts() bool {
	tail := sq.usedRing.tail
	if sq.eventIndex {
		sq.availableRing.setUsedEvent(tail)
	} else {
		sq.availableRing.setNoInterrupt(false)
	}

	// The store above and the load below are both seq-cst: the device sees
	// the re-armed interrupt before we conclude that the ring is empty.
	return sq.usedRing.Index() != tail
}

// Run drives the completion side of the queue: it drains the used ring,
// then blocks on the call event file descriptor until the device signals
// again. It returns when the context is canceled, the queue is closed or a
// wait fails.
func (sq *SplitQueue) Run(ctx context.Context) error {
	for {
		sq.processUsed()

		if err := ctx.Err(); err != nil {
			return err
		}
		if sq.closed.Load() {
			return ErrQueueClosed
		}

		n, err := sq.epoll.Block()
		if err != nil {
			return fmt.Errorf("wait for device notification: %w", err)
		}
		if n > 0 {
			if err := sq.epoll.Clear(); err != nil {
				return fmt.Errorf("clear device notification: %w", err)
			}
		}
	}
}

// Close releases all resources used for this queue.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (sq *SplitQueue) Close() error {
	var errs []error

	if sq.closed.CompareAndSwap(false, true) {
		// A goroutine blocking in [SplitQueue.Run] would never notice the
		// closed flag, so produce a fake device signal to wake it up.
		if sq.callEventFD.FD() != 0 {
			if err := sq.callEventFD.Kick(); err != nil {
				errs = append(errs, fmt.Errorf("wake up completion loop: %w", err))
			}
		}
	}

	if err := sq.epoll.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close epoll instance: %w", err))
	}
	if err := sq.kickEventFD.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kick event file descriptor: %w", err))
	}
	if err := sq.callEventFD.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close call event file descriptor: %w", err))
	}

	if sq.buf != nil {
		if err := unix.Munmap(sq.buf); err == nil {
			sq.buf = nil
		} else {
			errs = append(errs, fmt.Errorf("unmap virtqueue buffer: %w", err))
		}
	}

	return errors.Join(errs...)
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
