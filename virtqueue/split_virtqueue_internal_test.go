package virtqueue

import (
	"encoding/binary"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, queueSize int, eventIndex bool) *SplitQueue {
	t.Helper()
	sq, err := NewSplitQueue(queueSize, eventIndex)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, sq.Close())
	})
	return sq
}

// deviceReturnChain emulates the device returning a descriptor chain: it
// writes a used element and advances the shared used ring index.
func deviceReturnChain(sq *SplitQueue, head uint16, length uint32) {
	deviceWriteUsed(sq.usedRing, UsedElement{
		DescriptorIndex: uint32(head),
		Length:          length,
	})
}

// takeKick drains the kick eventfd counter. It returns the number of kicks
// the device would have received since the last call, zero when the
// descriptor was not signaled.
func takeKick(sq *SplitQueue) uint64 {
	var buf [8]byte
	n, err := syscall.Read(sq.kickEventFD.FD(), buf[:])
	if err != nil || n != len(buf) {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func acquire(t *testing.T, sq *SplitQueue, n int64) {
	t.Helper()
	require.True(t, sq.AvailableDescriptors().TryAcquire(n),
		"expected %d free descriptors", n)
}

func TestSplitQueue_SingleBufferRoundTrip(t *testing.T) {
	const queueSize = 8

	sq := newTestQueue(t, queueSize, false)

	payload := make([]byte, 64)

	var completedLength uint32
	completions := 0

	acquire(t, sq, 1)
	require.NoError(t, sq.Post([]BufferChain{{{
		Address: BufferAddress(payload),
		Length:  uint32(len(payload)),
		Completed: func(length uint32) {
			completions++
			completedLength = length
		},
	}}}))

	// The descriptor must be fully written and visible through the ring.
	head := sq.availableRing.ring[0]
	desc := &sq.descriptorTable.descriptors[head]
	assert.Equal(t, BufferAddress(payload), desc.address)
	assert.EqualValues(t, 64, desc.length)
	assert.Zero(t, desc.flags)
	assert.Zero(t, desc.next)
	assert.EqualValues(t, 1, uint16(sq.availableRing.flagsAndIndex.Load()>>16))

	// Flag mode with a fresh ring: the device did not suppress
	// notifications, so the kick must have been signaled.
	assert.EqualValues(t, 1, takeKick(sq))

	// Device returns the chain.
	deviceReturnChain(sq, head, 64)
	sq.processUsed()

	assert.Equal(t, 1, completions)
	assert.EqualValues(t, 64, completedLength)

	// All descriptors are free again.
	acquire(t, sq, queueSize)
	sq.AvailableDescriptors().Release(queueSize)
}

func TestSplitQueue_ChainLinking(t *testing.T) {
	const queueSize = 8

	sq := newTestQueue(t, queueSize, false)

	fragments := [][]byte{
		make([]byte, 12),
		make([]byte, 700),
		make([]byte, 9),
	}
	chain := make(BufferChain, 0, len(fragments))
	for _, f := range fragments {
		chain = append(chain, Buffer{
			Address: BufferAddress(f),
			Length:  uint32(len(f)),
		})
	}
	completions := 0
	chain[0].Completed = func(uint32) { completions++ }

	acquire(t, sq, 3)
	require.NoError(t, sq.Post([]BufferChain{chain}))

	head := sq.availableRing.ring[0]

	// Only the head slot carries a completion.
	assert.NotNil(t, sq.completions[head])
	for i := range sq.completions {
		if uint16(i) != head {
			assert.Nil(t, sq.completions[i], "slot %d", i)
		}
	}

	// head -> mid -> tail with the next flag on the first two.
	index := head
	for i, f := range fragments {
		desc := &sq.descriptorTable.descriptors[index]
		assert.Equal(t, BufferAddress(f), desc.address, "descriptor %d", i)
		assert.EqualValues(t, len(f), desc.length, "descriptor %d", i)
		if i < len(fragments)-1 {
			assert.NotZero(t, desc.flags&descriptorFlagHasNext, "descriptor %d", i)
		} else {
			assert.Zero(t, desc.flags&descriptorFlagHasNext, "tail descriptor")
		}
		index = desc.next
	}

	deviceReturnChain(sq, head, 0)
	sq.processUsed()
	assert.Equal(t, 1, completions)
	acquire(t, sq, queueSize)
	sq.AvailableDescriptors().Release(queueSize)
}

func TestSplitQueue_Wraparound(t *testing.T) {
	const queueSize = 4

	sq := newTestQueue(t, queueSize, false)

	// Start close to the 16-bit limit so the run below crosses both the
	// ring boundary and the index overflow.
	const start = uint16(0xfffe)
	sq.availableRing.head = start
	sq.availableRing.publish()
	sq.usedRing.flagsAndIndex.Store(uint32(start) << 16)
	sq.usedRing.tail = start

	payload := make([]byte, 32)
	completions := 0

	for i := range 6 {
		acquire(t, sq, 1)
		require.NoError(t, sq.Post([]BufferChain{{{
			Address:   BufferAddress(payload),
			Length:    uint32(len(payload)),
			Completed: func(uint32) { completions++ },
		}}}))

		expectedIndex := start + uint16(i) + 1
		assert.Equal(t, expectedIndex, uint16(sq.availableRing.flagsAndIndex.Load()>>16), "round %d", i)

		head := sq.availableRing.ring[int(start+uint16(i))%queueSize]
		deviceReturnChain(sq, head, 0)
		sq.processUsed()
		assert.Equal(t, i+1, completions, "round %d", i)
	}

	// No descriptor was leaked across the wrap.
	acquire(t, sq, queueSize)
	sq.AvailableDescriptors().Release(queueSize)
}

func TestSplitQueue_DrainsLateElements(t *testing.T) {
	const queueSize = 8

	sq := newTestQueue(t, queueSize, false)

	payload := make([]byte, 16)
	completions := 0
	post := func() uint16 {
		acquire(t, sq, 1)
		require.NoError(t, sq.Post([]BufferChain{{{
			Address:   BufferAddress(payload),
			Length:    uint32(len(payload)),
			Completed: func(uint32) { completions++ },
		}}}))
		return sq.availableRing.ring[int(sq.availableRing.head-1)%queueSize]
	}

	headA := post()
	headB := post()

	// Both elements are already in the used ring when the drain starts; a
	// single pass must process them and leave interrupts re-enabled.
	deviceReturnChain(sq, headA, 0)
	deviceReturnChain(sq, headB, 0)
	sq.processUsed()
	assert.Equal(t, 2, completions)
	assert.Zero(t, uint16(sq.availableRing.flagsAndIndex.Load())&uint16(availableRingFlagNoInterrupt))

	// An element that arrives between the drain and the re-enable must be
	// noticed by the re-check instead of waiting for the next notification.
	headC := post()
	deviceReturnChain(sq, headC, 0)
	assert.True(t, sq.enableInterrupts())
	sq.processUsed()
	assert.Equal(t, 3, completions)
	assert.False(t, sq.enableInterrupts())
}

func TestSplitQueue_KickSuppression(t *testing.T) {
	const queueSize = 8

	sq := newTestQueue(t, queueSize, true)

	payload := make([]byte, 16)
	post := func() {
		acquire(t, sq, 1)
		require.NoError(t, sq.Post([]BufferChain{{{
			Address: BufferAddress(payload),
			Length:  uint32(len(payload)),
		}}}))
	}

	// Fresh ring: the available event slot is zero, the first chain steps
	// over it and must kick.
	post()
	assert.EqualValues(t, 1, takeKick(sq))

	// The device asks to be kicked only once the available index passes 3.
	sq.usedRing.availableEvent.Store(3)

	post() // index 2
	assert.Zero(t, takeKick(sq))
	post() // index 3
	assert.Zero(t, takeKick(sq))
	post() // index 4, crossed the event mark
	assert.EqualValues(t, 1, takeKick(sq))
}

func TestSplitQueue_EnableInterruptsWritesUsedEvent(t *testing.T) {
	const queueSize = 8

	sq := newTestQueue(t, queueSize, true)

	payload := make([]byte, 16)
	acquire(t, sq, 1)
	require.NoError(t, sq.Post([]BufferChain{{{
		Address: BufferAddress(payload),
		Length:  uint32(len(payload)),
	}}}))

	head := sq.availableRing.ring[0]
	deviceReturnChain(sq, head, 0)
	sq.processUsed()

	// In event index mode the drain advertises its tail in the used event
	// slot instead of toggling the interrupt flag.
	assert.EqualValues(t, 1, uint32(sq.availableRing.usedEvent.Load())&0xffff)
	assert.Zero(t, uint16(sq.availableRing.flagsAndIndex.Load())&uint16(availableRingFlagNoInterrupt))
}

func TestSplitQueue_PostEmptyChain(t *testing.T) {
	sq := newTestQueue(t, 8, false)
	assert.ErrorIs(t, sq.Post([]BufferChain{{}}), ErrDescriptorChainEmpty)
}

func TestSplitQueue_BatchPost(t *testing.T) {
	const queueSize = 8

	sq := newTestQueue(t, queueSize, false)

	payload := make([]byte, 16)
	chains := make([]BufferChain, 3)
	for i := range chains {
		chains[i] = BufferChain{{
			Address: BufferAddress(payload),
			Length:  uint32(len(payload)),
		}}
	}

	acquire(t, sq, 3)
	require.NoError(t, sq.Post(chains))

	// One index publication for the whole batch.
	assert.EqualValues(t, 3, uint16(sq.availableRing.flagsAndIndex.Load()>>16))
	// One kick for the whole batch.
	assert.EqualValues(t, 1, takeKick(sq))
}
