//go:build linux

package fiberloop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// createWakeFd creates the non-blocking eventfd used to tickle workers
// parked in epoll_wait.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// writeWakeFd signals the eventfd. EAGAIN means the counter is saturated,
// which is as woken as it gets.
func writeWakeFd(fd int) error {
	// Native endianness, no binary encoding overhead.
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(fd, buf)
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// drainWakeFd consumes pending wake-ups. A single read resets the eventfd
// counter; the loop guards against racing writers.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
