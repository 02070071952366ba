package virtio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNetHdr_EncodingMrg(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      unix.VIRTIO_NET_HDR_F_NEEDS_CSUM,
		GSOType:    unix.VIRTIO_NET_HDR_GSO_UDP,
		HdrLen:     42,
		GSOSize:    1472,
		CsumStart:  34,
		CsumOffset: 6,
		NumBuffers: 16,
	}

	buf := make([]byte, NetHdrMrgSize)
	require.NoError(t, vnethdr.Encode(buf, NetHdrMrgSize))

	assert.Equal(t, []byte{
		0x01, 0x03,
		0x2a, 0x00,
		0xc0, 0x05,
		0x22, 0x00,
		0x06, 0x00,
		0x10, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf, NetHdrMrgSize))

	assert.Equal(t, vnethdr, decoded)
}

func TestNetHdr_EncodingPlain(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      unix.VIRTIO_NET_HDR_F_NEEDS_CSUM,
		GSOType:    unix.VIRTIO_NET_HDR_GSO_TCPV4,
		HdrLen:     54,
		GSOSize:    1460,
		CsumStart:  34,
		CsumOffset: 16,
	}

	// Without merged receive buffers the header is two bytes shorter and
	// has no buffer count on the wire.
	buf := make([]byte, NetHdrSize)
	require.NoError(t, vnethdr.Encode(buf, NetHdrSize))

	assert.Equal(t, []byte{
		0x01, 0x01,
		0x36, 0x00,
		0xb4, 0x05,
		0x22, 0x00,
		0x10, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf, NetHdrSize))

	assert.Equal(t, vnethdr, decoded)
}

func TestNetHdr_DecodeTooSmall(t *testing.T) {
	var decoded NetHdr
	assert.ErrorIs(t, decoded.Decode(make([]byte, 9), NetHdrSize), ErrNetHdrBufferTooSmall)
	assert.ErrorIs(t, decoded.Decode(make([]byte, 11), NetHdrMrgSize), ErrNetHdrBufferTooSmall)
}
