package vhostnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/virtnet/packet"
	"github.com/slackhq/virtnet/virtio"
	"github.com/slackhq/virtnet/virtqueue"
)

// rxBufferSize is the size of the device-writable buffers the receive queue
// is replenished with. One page per buffer; large packets span multiple
// buffers through the merge feature.
const rxBufferSize = 4096

// rxQueue wraps the receive virtqueue. It keeps the ring stocked with
// device-writable buffers and reassembles the buffer groups the device
// merges large packets into.
type rxQueue struct {
	l         *logrus.Logger
	ring      *virtqueue.SplitQueue
	headerLen int

	// Reassembly state for the buffer group currently being collected.
	// Only touched from the completion loop, which fires buffer completions
	// in used ring order.
	remainingBuffers int
	fragments        [][]byte
	buffers          [][]byte

	// delivery is the bounded, ordered hand-off to the subscriber. When the
	// subscriber is slow, the completion loop blocks here, which in turn
	// stops the ring from being replenished.
	delivery chan *packet.Packet

	// pool recycles receive buffers. Packets return their buffers through
	// their release hook.
	pool sync.Pool

	ctx context.Context
}

func newRXQueue(l *logrus.Logger, ring *virtqueue.SplitQueue, headerLen int) *rxQueue {
	return &rxQueue{
		l:         l,
		ring:      ring,
		headerLen: headerLen,
		delivery:  make(chan *packet.Packet, ring.Size()),
		pool: sync.Pool{
			New: func() any {
				return make([]byte, rxBufferSize)
			},
		},
	}
}

// replenish keeps the ring populated with device-writable buffers. It waits
// until at least one descriptor is free, opportunistically grabs all others
// that are currently free, and posts the whole batch at once.
func (q *rxQueue) replenish(ctx context.Context) error {
	available := q.ring.AvailableDescriptors()
	for {
		if err := available.Acquire(ctx, 1); err != nil {
			return err
		}
		count := 1
		for available.TryAcquire(1) {
			count++
		}

		chains := make([]virtqueue.BufferChain, 0, count)
		for range count {
			buf := q.pool.Get().([]byte)
			chains = append(chains, virtqueue.BufferChain{{
				Address:  virtqueue.BufferAddress(buf),
				Length:   rxBufferSize,
				Writable: true,
				Completed: func(length uint32) {
					q.onBufferUsed(buf, length)
				},
			}})
		}

		if err := q.ring.Post(chains); err != nil {
			return fmt.Errorf("post receive buffers: %w", err)
		}
	}
}

// onBufferUsed consumes one returned receive buffer. The first buffer of a
// group leads with a virtio-net header whose NumBuffers field announces how
// many buffers the device merged for this packet; once the last one arrived,
// the accumulated fragments become a packet and are handed downstream.
func (q *rxQueue) onBufferUsed(buf []byte, length uint32) {
	if length > rxBufferSize {
		length = rxBufferSize
	}
	fragment := buf[:length]

	if q.remainingBuffers == 0 {
		// First buffer of a new group.
		var hdr virtio.NetHdr
		if err := hdr.Decode(fragment, q.headerLen); err != nil {
			// The device misbehaved. Drop the buffer; there is no way to
			// tell how many of the following buffers would have belonged
			// to this packet, so the stream may stay broken.
			q.l.WithError(err).Error("Dropping receive buffer with truncated virtio-net header")
			q.pool.Put(buf)
			return
		}

		numBuffers := int(hdr.NumBuffers)
		if q.headerLen < virtio.NetHdrMrgSize {
			// Without merged buffers every packet is exactly one buffer.
			numBuffers = 1
		}
		if numBuffers < 1 {
			q.l.WithField("numBuffers", numBuffers).
				Error("Dropping receive buffer with invalid buffer count")
			q.pool.Put(buf)
			return
		}

		q.remainingBuffers = numBuffers
		q.fragments = q.fragments[:0]
		q.buffers = q.buffers[:0]
		fragment = fragment[q.headerLen:]
	}

	q.fragments = append(q.fragments, fragment)
	q.buffers = append(q.buffers, buf)
	q.remainingBuffers--

	if q.remainingBuffers == 0 {
		// Last buffer of the group. The packet borrows the buffers until
		// its release hook returns them to the pool.
		fragments := make([][]byte, len(q.fragments))
		copy(fragments, q.fragments)
		buffers := make([][]byte, len(q.buffers))
		copy(buffers, q.buffers)

		p := packet.New(fragments, func() {
			for _, b := range buffers {
				q.pool.Put(b)
			}
		})

		// Deliver in arrival order. Blocking here is deliberate: it is the
		// backpressure that stops a slow subscriber from being buried.
		select {
		case q.delivery <- p:
		case <-q.ctx.Done():
			p.Release()
		}
	}
}

// deliver invokes the subscriber for every reassembled packet, preserving
// arrival order. A handler error ends the subscription.
func (q *rxQueue) deliver(ctx context.Context, handler func(*packet.Packet) error) error {
	for {
		select {
		case p := <-q.delivery:
			if err := handler(p); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
