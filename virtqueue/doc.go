// Package virtqueue implements the driver side of a legacy split virtqueue
// as described in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
// This package does not make assumptions about the device that consumes the
// queue. It allocates the queue structures in memory, submits descriptor
// chains and harvests completions, and leaves the device handshake to the
// caller.
package virtqueue
