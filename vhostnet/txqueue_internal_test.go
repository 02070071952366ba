package vhostnet

import (
	"context"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/slackhq/virtnet/packet"
	"github.com/slackhq/virtnet/virtio"
	"github.com/slackhq/virtnet/virtqueue"
)

// buildTCPFrame serializes an Ethernet/IPv4/TCP frame with enough payload to
// reach the given total length.
func buildTCPFrame(t *testing.T, totalLen int) []byte {
	t.Helper()

	const headersLen = 14 + 20 + 20
	require.Greater(t, totalLen, headersLen)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x12, 0x23, 0x34, 0x56, 0x67, 0x78},
			DstMAC:       net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
			EthernetType: layers.EthernetTypeIPv4,
		},
		&layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP{192, 168, 0, 2},
			DstIP:    net.IP{192, 168, 0, 1},
		},
		&layers.TCP{
			SrcPort:    443,
			DstPort:    51000,
			DataOffset: 5,
		},
		gopacket.Payload(make([]byte, totalLen-headersLen)),
	)
	require.NoError(t, err)

	frame := buf.Bytes()
	require.Len(t, frame, totalLen)
	return frame
}

func newTestTXQueue(hw HWFeatures) *txQueue {
	return newTXQueue(logrus.New(), nil, virtio.NetHdrMrgSize, hw)
}

func TestTXQueue_BuildNetHdrTSO(t *testing.T) {
	q := newTestTXQueue(HWFeatures{
		TXChecksumOffload: true,
		RXChecksumOffload: true,
		TSO:               true,
		MTU:               1500,
	})

	p := packet.FromBytes(buildTCPFrame(t, 3000))
	p.SetOffload(packet.OffloadInfo{
		Protocol:  unix.IPPROTO_TCP,
		IPHdrLen:  20,
		TCPHdrLen: 20,
	})

	hdr := q.buildNetHdr(p)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_F_NEEDS_CSUM, hdr.Flags)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_GSO_TCPV4, hdr.GSOType)
	assert.EqualValues(t, 34, hdr.CsumStart)
	assert.EqualValues(t, 16, hdr.CsumOffset)
	assert.EqualValues(t, 54, hdr.HdrLen)
	assert.EqualValues(t, 1460, hdr.GSOSize)
}

func TestTXQueue_BuildNetHdrSmallTCP(t *testing.T) {
	q := newTestTXQueue(HWFeatures{
		TXChecksumOffload: true,
		TSO:               true,
		MTU:               1500,
	})

	// Fits a single segment, so only the checksum fields are populated.
	p := packet.FromBytes(buildTCPFrame(t, 800))
	p.SetOffload(packet.OffloadInfo{
		Protocol:  unix.IPPROTO_TCP,
		IPHdrLen:  20,
		TCPHdrLen: 20,
	})

	hdr := q.buildNetHdr(p)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_F_NEEDS_CSUM, hdr.Flags)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_GSO_NONE, hdr.GSOType)
	assert.EqualValues(t, 34, hdr.CsumStart)
	assert.EqualValues(t, 16, hdr.CsumOffset)
	assert.Zero(t, hdr.HdrLen)
	assert.Zero(t, hdr.GSOSize)
}

func TestTXQueue_BuildNetHdrUFO(t *testing.T) {
	q := newTestTXQueue(HWFeatures{
		TXChecksumOffload: true,
		UFO:               true,
		MTU:               1500,
	})

	frame := make([]byte, 3000)
	p := packet.FromBytes(frame)
	p.SetOffload(packet.OffloadInfo{
		Protocol:  unix.IPPROTO_UDP,
		IPHdrLen:  20,
		UDPHdrLen: 8,
	})

	hdr := q.buildNetHdr(p)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_F_NEEDS_CSUM, hdr.Flags)
	assert.EqualValues(t, unix.VIRTIO_NET_HDR_GSO_UDP, hdr.GSOType)
	assert.EqualValues(t, 34, hdr.CsumStart)
	assert.EqualValues(t, 6, hdr.CsumOffset)
	assert.EqualValues(t, 42, hdr.HdrLen)
	assert.EqualValues(t, 1472, hdr.GSOSize)
}

func TestTXQueue_BuildNetHdrOffloadDisabled(t *testing.T) {
	q := newTestTXQueue(HWFeatures{MTU: 1500})

	p := packet.FromBytes(buildTCPFrame(t, 3000))
	p.SetOffload(packet.OffloadInfo{
		Protocol:  unix.IPPROTO_TCP,
		IPHdrLen:  20,
		TCPHdrLen: 20,
	})

	assert.Equal(t, virtio.NetHdr{}, q.buildNetHdr(p))
}

func TestTXQueue_SendConsumesDescriptors(t *testing.T) {
	const queueSize = 8

	ring, err := virtqueue.NewSplitQueue(queueSize, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ring.Close())
	})

	q := newTXQueue(logrus.New(), ring, virtio.NetHdrMrgSize, HWFeatures{MTU: 1500})

	p := packet.New([][]byte{
		make([]byte, 100),
		make([]byte, 200),
	}, nil)

	require.NoError(t, q.send(context.Background(), p))

	// Header plus two fragments: three descriptors are now in flight.
	available := ring.AvailableDescriptors()
	require.True(t, available.TryAcquire(queueSize-3))
	assert.False(t, available.TryAcquire(1))
	available.Release(queueSize - 3)
}

func TestTXQueue_SendTooManyFragments(t *testing.T) {
	const queueSize = 4

	ring, err := virtqueue.NewSplitQueue(queueSize, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ring.Close())
	})

	q := newTXQueue(logrus.New(), ring, virtio.NetHdrMrgSize, HWFeatures{MTU: 1500})

	fragments := make([][]byte, queueSize)
	for i := range fragments {
		fragments[i] = make([]byte, 8)
	}

	// The header fragment pushes the chain past the ring size; waiting
	// would deadlock, so this must fail immediately.
	err = q.send(context.Background(), packet.New(fragments, nil))
	assert.ErrorContains(t, err, "can never fit")
}
