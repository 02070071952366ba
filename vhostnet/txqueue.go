package vhostnet

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/slackhq/virtnet/packet"
	"github.com/slackhq/virtnet/virtio"
	"github.com/slackhq/virtnet/virtqueue"
)

// ethHdrLen is the length of an Ethernet header without VLAN tags. The
// offload fields of the virtio-net header are offsets into the full frame,
// so the link layer header is always part of the arithmetic.
const ethHdrLen = 14

// Offsets of the checksum fields within the TCP and UDP headers.
const (
	tcpCsumOffset = 16
	udpCsumOffset = 6
)

// txQueue wraps the transmit virtqueue. It turns outbound packets into
// descriptor chains led by a virtio-net header that carries the offload
// parameters for the device.
type txQueue struct {
	l         *logrus.Logger
	ring      *virtqueue.SplitQueue
	headerLen int
	hw        HWFeatures
}

func newTXQueue(l *logrus.Logger, ring *virtqueue.SplitQueue, headerLen int, hw HWFeatures) *txQueue {
	return &txQueue{
		l:         l,
		ring:      ring,
		headerLen: headerLen,
		hw:        hw,
	}
}

// buildNetHdr populates a virtio-net header from the offload metadata of the
// given packet. Without checksum offload the header stays all zero and the
// device transmits the packet as-is.
func (q *txQueue) buildNetHdr(p *packet.Packet) virtio.NetHdr {
	var hdr virtio.NetHdr
	if !q.hw.TXChecksumOffload {
		return hdr
	}

	offload := p.Offload()
	mtu := q.hw.MTU

	switch offload.Protocol {
	case unix.IPPROTO_TCP:
		hdr.Flags = unix.VIRTIO_NET_HDR_F_NEEDS_CSUM
		hdr.CsumStart = ethHdrLen + offload.IPHdrLen
		hdr.CsumOffset = tcpCsumOffset
		if q.hw.TSO && p.Len() > mtu+ethHdrLen {
			hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_TCPV4
			// The device replicates everything up to the payload into each
			// segment and caps the payload at the MSS.
			hdr.HdrLen = ethHdrLen + offload.IPHdrLen + offload.TCPHdrLen
			hdr.GSOSize = uint16(mtu) - offload.IPHdrLen - offload.TCPHdrLen
		}
	case unix.IPPROTO_UDP:
		hdr.Flags = unix.VIRTIO_NET_HDR_F_NEEDS_CSUM
		hdr.CsumStart = ethHdrLen + offload.IPHdrLen
		hdr.CsumOffset = udpCsumOffset
		if q.hw.UFO && p.Len() > mtu+ethHdrLen {
			hdr.GSOType = unix.VIRTIO_NET_HDR_GSO_UDP
			hdr.HdrLen = ethHdrLen + offload.IPHdrLen + offload.UDPHdrLen
			hdr.GSOSize = uint16(mtu) - offload.IPHdrLen - offload.UDPHdrLen
		}
	}

	return hdr
}

// send submits one packet to the device. It blocks while the ring does not
// have enough free descriptors for the header and all fragments. The packet
// stays alive until the device has consumed the chain, at which point its
// release hook runs.
func (q *txQueue) send(ctx context.Context, p *packet.Packet) error {
	hdr := q.buildNetHdr(p)
	hdrBuf := make([]byte, q.headerLen)
	if err := hdr.Encode(hdrBuf, q.headerLen); err != nil {
		return fmt.Errorf("encode virtio-net header: %w", err)
	}

	fragments := p.Fragments()
	numBuffers := len(fragments) + 1

	// A chain longer than the ring would wait on the semaphore forever.
	// Callers must fragment their packets to fit.
	if numBuffers > q.ring.Size() {
		return fmt.Errorf("packet with %d fragments can never fit a ring of size %d",
			len(fragments), q.ring.Size())
	}

	if err := q.ring.AvailableDescriptors().Acquire(ctx, int64(numBuffers)); err != nil {
		return fmt.Errorf("wait for free descriptors: %w", err)
	}

	chain := make(virtqueue.BufferChain, 0, numBuffers)
	chain = append(chain, virtqueue.Buffer{
		Address: virtqueue.BufferAddress(hdrBuf),
		Length:  uint32(len(hdrBuf)),
	})
	for _, f := range fragments {
		chain = append(chain, virtqueue.Buffer{
			Address: virtqueue.BufferAddress(f),
			Length:  uint32(len(f)),
		})
	}

	// The closure keeps the header buffer and the packet reachable while
	// their descriptors are posted, then hands the packet memory back to
	// its owner.
	chain[0].Completed = func(uint32) {
		hdrBuf = nil
		p.Release()
	}

	if err := q.ring.Post([]virtqueue.BufferChain{chain}); err != nil {
		return fmt.Errorf("post transmit chain: %w", err)
	}
	return nil
}
