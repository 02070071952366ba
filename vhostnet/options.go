package vhostnet

import (
	"errors"

	"github.com/slackhq/virtnet/virtqueue"
)

type optionValues struct {
	queueSize   int
	tapDevice   string
	backendFD   int
	eventIndex  bool
	csumOffload bool
	tso         bool
	ufo         bool
	mtu         int
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if err := virtqueue.CheckQueueSize(o.queueSize); err != nil {
		return err
	}
	if o.tapDevice == "" && o.backendFD == -1 {
		return errors.New("either a TAP device name or a backend file descriptor is required")
	}
	if o.tapDevice != "" && o.backendFD != -1 {
		return errors.New("a TAP device name and a backend file descriptor are mutually exclusive")
	}
	if o.mtu <= 0 {
		return errors.New("MTU must be positive")
	}
	return nil
}

var optionDefaults = optionValues{
	queueSize:   256,
	backendFD:   -1,
	eventIndex:  true,
	csumOffload: true,
	tso:         true,
	ufo:         true,
	mtu:         1500,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithQueueSize returns an [Option] that sets the size of the TX and RX
// queues that are to be created for the device. It specifies the number of
// entries/buffers each queue can hold. This also affects the memory
// consumption. Must be an integer from 2 to 32768 that is also a power of 2.
// Defaults to 256.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithTAPDevice returns an [Option] that makes the device open the TAP
// interface with the given name and use it as the backend for both queues.
// Either this or [WithBackendFD] is required.
func WithTAPDevice(name string) Option {
	return func(o *optionValues) { o.tapDevice = name }
}

// WithBackendFD returns an [Option] that sets the file descriptor of the
// backend that will be used for the queues of the device. The file
// descriptor can either be of a RAW socket or a TAP device that was created
// with the virtio-net header enabled.
// Either this or [WithTAPDevice] is required.
func WithBackendFD(backendFD int) Option {
	return func(o *optionValues) { o.backendFD = backendFD }
}

// WithEventIndex returns an [Option] that controls whether the event index
// feature is offered to the device. When negotiated, it replaces the
// flag-based notification suppression with the index-based protocol, which
// avoids most kicks and interrupts on a busy queue. Defaults to on.
func WithEventIndex(enable bool) Option {
	return func(o *optionValues) { o.eventIndex = enable }
}

// WithChecksumOffload returns an [Option] that controls whether TX and RX
// checksum offload is offered to the device. Defaults to on.
func WithChecksumOffload(enable bool) Option {
	return func(o *optionValues) { o.csumOffload = enable }
}

// WithTSO returns an [Option] that controls whether TCP segmentation offload
// is offered to the device, in both directions. Requires checksum offload to
// be effective. Defaults to on.
func WithTSO(enable bool) Option {
	return func(o *optionValues) { o.tso = enable }
}

// WithUFO returns an [Option] that controls whether UDP fragmentation
// offload is offered to the device, in both directions. Requires checksum
// offload to be effective. Defaults to on.
func WithUFO(enable bool) Option {
	return func(o *optionValues) { o.ufo = enable }
}

// WithMTU returns an [Option] that sets the MTU the transmit path uses to
// decide when a packet needs segmentation offload. Defaults to 1500.
func WithMTU(mtu int) Option {
	return func(o *optionValues) { o.mtu = mtu }
}
