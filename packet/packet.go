// Package packet holds the fragment-based packet representation that travels
// between the network device and its users.
package packet

import "sync/atomic"

// OffloadInfo carries the per-packet metadata the transmit path needs to
// fill in the virtio-net header for checksum and segmentation offload.
type OffloadInfo struct {
	// Protocol is the IP protocol number of the transport header
	// (unix.IPPROTO_TCP or unix.IPPROTO_UDP). Zero when the packet should
	// not be offloaded.
	Protocol uint8
	// IPHdrLen is the length of the IP header in bytes.
	IPHdrLen uint16
	// TCPHdrLen is the length of the TCP header in bytes, when Protocol is
	// TCP.
	TCPHdrLen uint16
	// UDPHdrLen is the length of the UDP header in bytes, when Protocol is
	// UDP.
	UDPHdrLen uint16
}

// Packet is an ordered sequence of byte fragments forming one network
// packet. The owner of a packet may attach a release hook which runs exactly
// once, when the packet's memory is no longer referenced by any descriptor.
type Packet struct {
	fragments [][]byte
	length    int
	offload   OffloadInfo

	release  func()
	released atomic.Bool
}

// New creates a packet from the given fragments. The release hook may be nil;
// otherwise it is invoked exactly once by [Packet.Release].
func New(fragments [][]byte, release func()) *Packet {
	length := 0
	for _, f := range fragments {
		length += len(f)
	}
	return &Packet{
		fragments: fragments,
		length:    length,
		release:   release,
	}
}

// FromBytes creates a single-fragment packet without a release hook.
func FromBytes(data []byte) *Packet {
	return New([][]byte{data}, nil)
}

// Fragments returns the fragments of this packet. Callers must not hold on
// to them past [Packet.Release].
func (p *Packet) Fragments() [][]byte {
	return p.fragments
}

// NumFragments returns the number of fragments of this packet.
func (p *Packet) NumFragments() int {
	return len(p.fragments)
}

// Len returns the total length of this packet in bytes.
func (p *Packet) Len() int {
	return p.length
}

// Offload returns the offload metadata of this packet.
func (p *Packet) Offload() OffloadInfo {
	return p.offload
}

// SetOffload attaches offload metadata to this packet.
func (p *Packet) SetOffload(offload OffloadInfo) {
	p.offload = offload
}

// Bytes flattens the packet into a single contiguous slice. Packets with one
// fragment are returned as-is without copying.
func (p *Packet) Bytes() []byte {
	if len(p.fragments) == 1 {
		return p.fragments[0]
	}
	flat := make([]byte, 0, p.length)
	for _, f := range p.fragments {
		flat = append(flat, f...)
	}
	return flat
}

// Release runs the release hook of this packet. Ownership of the fragment
// memory goes back to whoever provided it; the packet must not be used
// afterwards. Additional calls are no-ops.
func (p *Packet) Release() {
	if p.released.CompareAndSwap(false, true) && p.release != nil {
		p.release()
	}
}
