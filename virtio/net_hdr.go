package virtio

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Workaround to make Go doc links work.
var _ unix.Errno

const (
	// NetHdrSize is the number of bytes of a virtio_net_hdr without the
	// merge buffer count, as used when [FeatureNetMergeRXBuffers] was not
	// negotiated.
	NetHdrSize = 10

	// NetHdrMrgSize is the number of bytes of a virtio_net_hdr_mrg_rxbuf,
	// as used when [FeatureNetMergeRXBuffers] was negotiated.
	NetHdrMrgSize = 12
)

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// NetHdr defines the virtio_net_hdr as described by the virtio
// specification. It precedes every packet that travels over a virtio
// networking queue, in both directions.
type NetHdr struct {
	// Flags that describe the packet.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_F_NEEDS_CSUM]
	//   - [unix.VIRTIO_NET_HDR_F_DATA_VALID]
	//   - [unix.VIRTIO_NET_HDR_F_RSC_INFO]
	Flags uint8
	// GSOType contains the type of segmentation offload that should be used
	// for the packet.
	// Possible values are:
	//   - [unix.VIRTIO_NET_HDR_GSO_NONE]
	//   - [unix.VIRTIO_NET_HDR_GSO_TCPV4]
	//   - [unix.VIRTIO_NET_HDR_GSO_UDP]
	//   - [unix.VIRTIO_NET_HDR_GSO_TCPV6]
	//   - [unix.VIRTIO_NET_HDR_GSO_ECN]
	GSOType uint8
	// HdrLen contains the length of the headers that need to be replicated
	// by segmentation offloads. It's the number of bytes from the beginning
	// of the packet to the beginning of the transport payload.
	HdrLen uint16
	// GSOSize contains the maximum size of each segmented packet beyond the
	// header (payload size). In case of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart contains the offset within the packet from which on the
	// checksum should be computed.
	CsumStart uint16
	// CsumOffset specifies how many bytes after [NetHdr.CsumStart] the
	// computed 16-bit checksum should be inserted.
	CsumOffset uint16
	// NumBuffers contains the number of merged descriptor chains when
	// [FeatureNetMergeRXBuffers] is negotiated. This field is only used for
	// packets received by the driver and should be zero for transmitted
	// packets. It is only present on the wire when the header length is
	// [NetHdrMrgSize].
	NumBuffers uint16
}

// Decode decodes the [NetHdr] from the given byte slice. The slice must
// contain at least headerLen bytes, which is either [NetHdrSize] or
// [NetHdrMrgSize] depending on the negotiated features.
func (v *NetHdr) Decode(data []byte, headerLen int) error {
	if len(data) < headerLen {
		return ErrNetHdrBufferTooSmall
	}
	v.Flags = data[0]
	v.GSOType = data[1]
	v.HdrLen = binary.LittleEndian.Uint16(data[2:4])
	v.GSOSize = binary.LittleEndian.Uint16(data[4:6])
	v.CsumStart = binary.LittleEndian.Uint16(data[6:8])
	v.CsumOffset = binary.LittleEndian.Uint16(data[8:10])
	if headerLen >= NetHdrMrgSize {
		v.NumBuffers = binary.LittleEndian.Uint16(data[10:12])
	} else {
		v.NumBuffers = 0
	}
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice. The slice must have
// room for at least headerLen bytes, which is either [NetHdrSize] or
// [NetHdrMrgSize] depending on the negotiated features.
func (v *NetHdr) Encode(data []byte, headerLen int) error {
	if len(data) < headerLen {
		return ErrNetHdrBufferTooSmall
	}
	data[0] = v.Flags
	data[1] = v.GSOType
	binary.LittleEndian.PutUint16(data[2:4], v.HdrLen)
	binary.LittleEndian.PutUint16(data[4:6], v.GSOSize)
	binary.LittleEndian.PutUint16(data[6:8], v.CsumStart)
	binary.LittleEndian.PutUint16(data[8:10], v.CsumOffset)
	if headerLen >= NetHdrMrgSize {
		binary.LittleEndian.PutUint16(data[10:12], v.NumBuffers)
	}
	return nil
}
