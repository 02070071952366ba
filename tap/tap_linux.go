// Package tap opens and configures the TAP device that backs a vhost
// networking queue pair.
package tap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type ifReq struct {
	Name  [16]byte
	Flags uint16
	pad   [8]byte
}

func ioctl(a1, a2, a3 uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, a1, a2, a3)
	if errno != 0 {
		return errno
	}
	return nil
}

// Device is an open TAP device.
type Device struct {
	fd   int
	name string
}

// Open opens /dev/net/tun and attaches it to the TAP interface with the
// given name, creating the interface when it does not exist yet. The device
// is configured to prepend a virtio-net header to every packet, which is
// what the vhost backend expects.
func Open(name string) (*Device, error) {
	if len(name)+1 > unix.IFNAMSIZ {
		return nil, fmt.Errorf("interface name %q is too long", name)
	}

	fd, err := unix.Open("/dev/net/tun", os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	req := ifReq{
		Flags: unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_ONE_QUEUE | unix.IFF_VNET_HDR,
	}
	copy(req.Name[:unix.IFNAMSIZ-1], name)
	if err = ioctl(uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&req))); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("attach to TAP interface %q: %w", name, err)
	}

	return &Device{fd: fd, name: name}, nil
}

// Name returns the interface name of this device.
func (d *Device) Name() string {
	return d.name
}

// FD returns the file descriptor of this device, to be registered as a queue
// backend.
func (d *Device) FD() int {
	return d.fd
}

// SetOffloads communicates the offloads the driver can handle on received
// packets. Flags are a combination of unix.TUN_F_CSUM, unix.TUN_F_TSO4 and
// unix.TUN_F_UFO.
func (d *Device) SetOffloads(flags uint) error {
	if err := ioctl(uintptr(d.fd), unix.TUNSETOFFLOAD, uintptr(flags)); err != nil {
		return fmt.Errorf("set TAP offloads: %w", err)
	}
	return nil
}

// SetVnetHdrSize tells the kernel how long the virtio-net header in front of
// every packet is. It must match the length implied by the negotiated
// features.
func (d *Device) SetVnetHdrSize(size int) error {
	s := int32(size)
	if err := ioctl(uintptr(d.fd), unix.TUNSETVNETHDRSZ, uintptr(unsafe.Pointer(&s))); err != nil {
		return fmt.Errorf("set TAP vnet header size: %w", err)
	}
	return nil
}

func (d *Device) Close() error {
	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		return err
	}
	return nil
}
