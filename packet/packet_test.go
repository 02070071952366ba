package packet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slackhq/virtnet/packet"
)

func TestPacket_Len(t *testing.T) {
	p := packet.New([][]byte{
		make([]byte, 14),
		make([]byte, 1000),
		make([]byte, 6),
	}, nil)

	assert.Equal(t, 3, p.NumFragments())
	assert.Equal(t, 1020, p.Len())
}

func TestPacket_Bytes(t *testing.T) {
	p := packet.New([][]byte{
		{1, 2, 3},
		{4, 5},
	}, nil)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, p.Bytes())

	// A single fragment is handed out without copying.
	single := []byte{9, 8, 7}
	p = packet.FromBytes(single)
	assert.Equal(t, &single[0], &p.Bytes()[0])
}

func TestPacket_ReleaseOnce(t *testing.T) {
	released := 0
	p := packet.New([][]byte{{1}}, func() {
		released++
	})

	p.Release()
	p.Release()
	assert.Equal(t, 1, released)
}

func TestPacket_ReleaseWithoutHook(t *testing.T) {
	p := packet.FromBytes([]byte{1, 2})
	assert.NotPanics(t, p.Release)
}
