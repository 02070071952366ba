// Package vhostnet implements a userspace virtio-net driver on top of the
// kernel's vhost-net acceleration. It composes two split virtqueues into a
// packet interface: packets go out through the transmit queue and come in
// through the receive queue, with checksum and segmentation work offloaded
// to the device where negotiated.
package vhostnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/slackhq/virtnet/packet"
	"github.com/slackhq/virtnet/tap"
	"github.com/slackhq/virtnet/vhost"
	"github.com/slackhq/virtnet/virtio"
	"github.com/slackhq/virtnet/virtqueue"
)

// ErrDeviceClosed is returned when the [Device] is closed while operations
// are still running.
var ErrDeviceClosed = errors.New("device was closed")

// The indexes for the receive and transmit queues.
const (
	receiveQueueIndex  = 0
	transmitQueueIndex = 1
)

// HWFeatures describes the offloads that survived feature negotiation.
type HWFeatures struct {
	TXChecksumOffload bool
	RXChecksumOffload bool
	TSO               bool
	UFO               bool
	MTU               int
}

// Device represents a vhost networking device within the kernel-level virtio
// implementation and provides methods to interact with it.
type Device struct {
	l           *logrus.Logger
	initialized bool
	controlFD   int

	tapDevice *tap.Device
	backendFD int

	features   virtio.Feature
	hwFeatures HWFeatures
	headerLen  int

	receiveQueue  *virtqueue.SplitQueue
	transmitQueue *virtqueue.SplitQueue

	txq *txQueue
	rxq *rxQueue

	ctx    context.Context
	cancel context.CancelFunc

	receiveOnce sync.Once
}

// NewDevice initializes a new vhost networking device within the
// kernel-level virtio implementation, negotiates features, sets up the
// virtqueues and returns a [Device] instance that can be used to send and
// receive packets.
//
// There are multiple options that can be passed to this constructor to
// influence device creation:
//   - [WithQueueSize]
//   - [WithTAPDevice]
//   - [WithBackendFD]
//   - [WithEventIndex]
//   - [WithChecksumOffload]
//   - [WithTSO]
//   - [WithUFO]
//   - [WithMTU]
//
// Remember to call [Device.Close] after use to free up resources.
func NewDevice(l *logrus.Logger, options ...Option) (*Device, error) {
	var err error
	opts := optionDefaults
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	dev := Device{
		l:         l,
		controlFD: -1,
		backendFD: opts.backendFD,
	}
	dev.ctx, dev.cancel = context.WithCancel(context.Background())

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	// Retrieve a new control file descriptor. This will be used to configure
	// the vhost networking device in the kernel.
	dev.controlFD, err = unix.Open("/dev/vhost-net", os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("get control file descriptor: %w", err)
	}
	if err = vhost.OwnControlFD(dev.controlFD); err != nil {
		return nil, fmt.Errorf("own control file descriptor: %w", err)
	}

	if opts.tapDevice != "" {
		if dev.tapDevice, err = tap.Open(opts.tapDevice); err != nil {
			return nil, fmt.Errorf("open TAP device: %w", err)
		}
		dev.backendFD = dev.tapDevice.FD()
	}

	if err = dev.negotiateFeatures(&opts); err != nil {
		return nil, fmt.Errorf("negotiate features: %w", err)
	}

	if dev.tapDevice != nil {
		if err = dev.configureTAPOffloads(); err != nil {
			return nil, fmt.Errorf("configure TAP offloads: %w", err)
		}
	}

	// The device resolves descriptor addresses through an identity mapping
	// of the whole process address space, so buffers can live anywhere in
	// memory. This has to happen before a backend for the queues can be
	// registered.
	if err = vhost.SetMemoryLayout(dev.controlFD, vhost.NewIdentityMemoryLayout()); err != nil {
		return nil, fmt.Errorf("setup memory layout: %w", err)
	}

	eventIndex := dev.features&virtio.FeatureEventIndex != 0

	// Initialize and register the queues needed for the networking device.
	// Each queue gets its own, fully independent pair of kick and call
	// event file descriptors.
	if dev.receiveQueue, err = createQueue(dev.controlFD, receiveQueueIndex, opts.queueSize, eventIndex); err != nil {
		return nil, fmt.Errorf("create receive queue: %w", err)
	}
	if dev.transmitQueue, err = createQueue(dev.controlFD, transmitQueueIndex, opts.queueSize, eventIndex); err != nil {
		return nil, fmt.Errorf("create transmit queue: %w", err)
	}

	// Set the queue backends. This activates the queues within the kernel.
	if err = SetQueueBackend(dev.controlFD, receiveQueueIndex, dev.backendFD); err != nil {
		return nil, fmt.Errorf("set receive queue backend: %w", err)
	}
	if err = SetQueueBackend(dev.controlFD, transmitQueueIndex, dev.backendFD); err != nil {
		return nil, fmt.Errorf("set transmit queue backend: %w", err)
	}

	dev.txq = newTXQueue(l, dev.transmitQueue, dev.headerLen, dev.hwFeatures)
	dev.rxq = newRXQueue(l, dev.receiveQueue, dev.headerLen)

	// Drive transmit completions in the background for the lifetime of the
	// device.
	go func() {
		if err := dev.transmitQueue.Run(dev.ctx); err != nil && !isShutdown(err) {
			l.WithError(err).Error("Transmit queue completion loop stopped")
		}
	}()

	dev.initialized = true

	// Make sure to clean up even when the device gets garbage collected
	// without Close being called first.
	devPtr := &dev
	runtime.SetFinalizer(devPtr, (*Device).Close)

	return devPtr, nil
}

// negotiateFeatures builds the driver feature proposal from the options,
// intersects it with what the vhost implementation supports and writes the
// result back. The surviving feature bits decide the virtio-net header
// length and the effective offloads.
func (dev *Device) negotiateFeatures(opts *optionValues) error {
	proposal := virtio.FeatureIndirectDescriptors | virtio.FeatureNetMergeRXBuffers

	if opts.eventIndex {
		proposal |= virtio.FeatureEventIndex
	}
	if opts.csumOffload {
		proposal |= virtio.FeatureNetDeviceCsum | virtio.FeatureNetDriverCsum
	}
	if opts.tso {
		proposal |= virtio.FeatureNetDeviceTSO4 | virtio.FeatureNetDriverTSO4
	}
	if opts.ufo {
		proposal |= virtio.FeatureNetDeviceUFO | virtio.FeatureNetDriverUFO
	}

	deviceFeatures, err := vhost.GetFeatures(dev.controlFD)
	if err != nil {
		return err
	}

	negotiated := deviceFeatures & proposal
	if err = vhost.SetFeatures(dev.controlFD, negotiated); err != nil {
		return err
	}
	dev.features = negotiated

	dev.hwFeatures = HWFeatures{
		TXChecksumOffload: negotiated&virtio.FeatureNetDeviceCsum != 0,
		RXChecksumOffload: negotiated&virtio.FeatureNetDriverCsum != 0,
		TSO:               negotiated&virtio.FeatureNetDeviceTSO4 != 0,
		UFO:               negotiated&virtio.FeatureNetDeviceUFO != 0,
		MTU:               opts.mtu,
	}

	if negotiated&virtio.FeatureNetMergeRXBuffers != 0 {
		dev.headerLen = virtio.NetHdrMrgSize
	} else {
		dev.headerLen = virtio.NetHdrSize
	}

	dev.l.WithFields(logrus.Fields{
		"features":  fmt.Sprintf("%#x", uint64(negotiated)),
		"headerLen": dev.headerLen,
	}).Debug("Negotiated virtio features")

	return nil
}

// configureTAPOffloads mirrors the negotiated offloads into the TAP device
// and announces the virtio-net header length to it.
func (dev *Device) configureTAPOffloads() error {
	var flags uint
	if dev.hwFeatures.TXChecksumOffload && dev.hwFeatures.RXChecksumOffload {
		flags = unix.TUN_F_CSUM
		if dev.hwFeatures.TSO {
			flags |= unix.TUN_F_TSO4
		}
		if dev.hwFeatures.UFO {
			flags |= unix.TUN_F_UFO
		}
	}
	if err := dev.tapDevice.SetOffloads(flags); err != nil {
		return err
	}
	return dev.tapDevice.SetVnetHdrSize(dev.headerLen)
}

// createQueue creates a new virtqueue and registers it with the vhost device
// using the given index.
func createQueue(controlFD int, queueIndex int, queueSize int, eventIndex bool) (*virtqueue.SplitQueue, error) {
	queue, err := virtqueue.NewSplitQueue(queueSize, eventIndex)
	if err != nil {
		return nil, fmt.Errorf("create virtqueue: %w", err)
	}
	if err = vhost.RegisterQueue(controlFD, uint32(queueIndex), queue); err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("register virtqueue with index %d: %w", queueIndex, err)
	}
	return queue, nil
}

// Send submits one packet for transmission. It blocks while the transmit
// ring is full and returns once the chain is posted. The packet is owned by
// the device until its release hook runs, which happens after the device has
// consumed the chain.
func (dev *Device) Send(ctx context.Context, p *packet.Packet) error {
	if !dev.initialized {
		return ErrDeviceClosed
	}
	return dev.txq.send(ctx, p)
}

// Receive starts the receive path and delivers every received packet to the
// given handler, in arrival order. The handler owns the packets it is given
// and should call their Release method when done with them; a handler error
// ends the subscription.
//
// Receive may be called only once per device.
func (dev *Device) Receive(handler func(*packet.Packet) error) (*Subscription, error) {
	if !dev.initialized {
		return nil, ErrDeviceClosed
	}

	var sub *Subscription
	dev.receiveOnce.Do(func() {
		ctx, cancel := context.WithCancel(dev.ctx)
		sub = newSubscription(cancel)
		dev.rxq.ctx = ctx

		go func() {
			sub.fail(dev.receiveQueue.Run(ctx))
		}()
		go func() {
			sub.fail(dev.rxq.replenish(ctx))
		}()
		go func() {
			sub.fail(dev.rxq.deliver(ctx, handler))
		}()
	})
	if sub == nil {
		return nil, errors.New("device is already subscribed to")
	}
	return sub, nil
}

// HWAddress returns the MAC address of the device. The driver does not
// negotiate one, so it is fixed.
func (dev *Device) HWAddress() net.HardwareAddr {
	return net.HardwareAddr{0x12, 0x23, 0x34, 0x56, 0x67, 0x78}
}

// HWFeatures returns the offloads that survived feature negotiation.
func (dev *Device) HWFeatures() HWFeatures {
	return dev.hwFeatures
}

// Features returns the negotiated virtio feature bits.
func (dev *Device) Features() virtio.Feature {
	return dev.features
}

// Close cleans up the vhost networking device within the kernel and releases
// all resources used for it.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (dev *Device) Close() error {
	dev.initialized = false
	dev.cancel()

	// Closing the control file descriptor will unregister all queues from
	// the kernel.
	if dev.controlFD >= 0 {
		if err := unix.Close(dev.controlFD); err != nil {
			// Return an error and do not continue, because the memory used
			// for the queues should not be released before they were
			// unregistered from the kernel.
			return fmt.Errorf("close control file descriptor: %w", err)
		}
		dev.controlFD = -1
	}

	var errs []error

	if dev.receiveQueue != nil {
		if err := dev.receiveQueue.Close(); err == nil {
			dev.receiveQueue = nil
		} else {
			errs = append(errs, fmt.Errorf("close receive queue: %w", err))
		}
	}

	if dev.transmitQueue != nil {
		if err := dev.transmitQueue.Close(); err == nil {
			dev.transmitQueue = nil
		} else {
			errs = append(errs, fmt.Errorf("close transmit queue: %w", err))
		}
	}

	if dev.tapDevice != nil {
		if err := dev.tapDevice.Close(); err == nil {
			dev.tapDevice = nil
		} else {
			errs = append(errs, fmt.Errorf("close TAP device: %w", err))
		}
	}

	if len(errs) == 0 {
		// Everything was cleaned up. No need to run the finalizer anymore.
		runtime.SetFinalizer(dev, nil)
	}

	return errors.Join(errs...)
}

// isShutdown reports whether an error is part of an orderly teardown.
func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, virtqueue.ErrQueueClosed)
}
