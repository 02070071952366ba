// Package eventfd wraps the Linux eventfd and epoll primitives used for the
// kick and call signalling between a virtqueue driver and the kernel device.
package eventfd

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

// EventFD is a Linux event file descriptor. The driver hands one to the
// device as the kick target of a queue and waits on another one for the
// device's call signal.
type EventFD struct {
	fd  int
	buf [8]byte
}

// New creates a non-blocking event file descriptor with a zero counter.
func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{
		fd:  fd,
		buf: [8]byte{},
	}, nil
}

// Kick adds 1 to the eventfd counter, waking up the party waiting on it.
func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := syscall.Write(e.fd, e.buf[:])
	return err
}

// Clear consumes the counter so the descriptor no longer polls readable.
func (e *EventFD) Clear() error {
	_, err := syscall.Read(e.fd, e.buf[:])
	return err
}

func (e *EventFD) Close() error {
	if e.fd != 0 {
		return unix.Close(e.fd)
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

// Epoll waits for one or more event file descriptors to become readable.
type Epoll struct {
	fd     int
	buf    [8]byte
	events []syscall.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return Epoll{}, err
	}
	return Epoll{
		fd:     fd,
		buf:    [8]byte{},
		events: make([]syscall.EpollEvent, 1),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits until a watched descriptor becomes readable and returns the
// number of ready descriptors. A signal interruption is not an error and
// reports zero ready descriptors.
func (ep *Epoll) Block() (int, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, -1)
	if err != nil {
		//goland:noinspection GoDirectComparisonOfErrors
		if err == syscall.EINTR {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

// Clear consumes the counter of the descriptor that was reported ready by
// the last call to [Epoll.Block].
func (ep *Epoll) Clear() error {
	_, err := syscall.Read(int(ep.events[0].Fd), ep.buf[:])
	return err
}

func (ep *Epoll) Close() error {
	if ep.fd != 0 {
		return unix.Close(ep.fd)
	}
	return nil
}
