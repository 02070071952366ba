package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ringTestMemory allocates memory for a ring overlay with the same slack the
// queue buffer provides: the event slot word reaches two bytes past the ring
// structure.
func ringTestMemory(size int) []byte {
	return make([]byte, size+2)[:size]
}

func TestAvailableRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := ringTestMemory(availableRingSize(queueSize))
	r := newAvailableRing(queueSize, memory)

	r.offerSingle(0x1234)
	r.offerSingle(0x5678)
	r.setNoInterrupt(true)
	r.publish()
	r.setUsedEvent(0x0a0b)

	assert.Equal(t, []byte{
		0x01, 0x00,
		0x02, 0x00,
		0x34, 0x12,
		0x78, 0x56,
		0x0b, 0x0a,
	}, memory)
}

func TestAvailableRing_Offer(t *testing.T) {
	const queueSize = 8

	chainHeads := []uint16{42, 33, 69}

	tests := []struct {
		name              string
		startRingIndex    uint16
		expectedRingIndex uint16
		expectedRing      []uint16
	}{
		{
			name:              "no overflow",
			startRingIndex:    0,
			expectedRingIndex: 3,
			expectedRing:      []uint16{42, 33, 69, 0, 0, 0, 0, 0},
		},
		{
			name:              "ring overflow",
			startRingIndex:    6,
			expectedRingIndex: 9,
			expectedRing:      []uint16{69, 0, 0, 0, 0, 0, 42, 33},
		},
		{
			name:              "index overflow",
			startRingIndex:    65535,
			expectedRingIndex: 2,
			expectedRing:      []uint16{33, 69, 0, 0, 0, 0, 0, 42},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := ringTestMemory(availableRingSize(queueSize))
			r := newAvailableRing(queueSize, memory)
			r.head = tt.startRingIndex

			for _, head := range chainHeads {
				r.offerSingle(head)
			}
			r.publish()

			assert.Equal(t, tt.expectedRingIndex, uint16(r.flagsAndIndex.Load()>>16))
			assert.Equal(t, tt.expectedRing, r.ring)
		})
	}
}

func TestAvailableRing_InterruptSuppression(t *testing.T) {
	const queueSize = 4

	memory := ringTestMemory(availableRingSize(queueSize))
	r := newAvailableRing(queueSize, memory)

	r.setNoInterrupt(true)
	assert.EqualValues(t, 0x0001, uint16(r.flagsAndIndex.Load()))

	r.setNoInterrupt(false)
	assert.EqualValues(t, 0x0000, uint16(r.flagsAndIndex.Load()))
}
