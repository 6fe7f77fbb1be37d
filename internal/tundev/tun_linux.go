//go:build linux

package tundev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const cloneDevicePath = "/dev/net/tun"

// ifReqSize matches struct ifreq on Linux: IFNAMSIZ name bytes
// followed by a union whose first member here is the uint16 flags
// field TUNSETIFF reads/writes.
const ifReqSize = unix.IFNAMSIZ + 64

// nativeDevice opens a tun or tap device via the TUNSETIFF ioctl:
// a 16-byte, NUL-padded interface name followed by a little-endian
// uint16 flags word (IFF_TUN or IFF_TAP), exactly as the kernel's
// struct ifreq lays it out.
type nativeDevice struct {
	fd   *os.File
	name string
	tap  bool
}

// Open brings up a tun (or, if tap is true, a tap) interface named
// name. An empty name lets the kernel assign one, which is then read
// back out of the ioctl request buffer.
func Open(name string, tap bool) (Device, error) {
	fd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundev: open %s: %w", cloneDevicePath, err)
	}
	file := os.NewFile(uintptr(fd), cloneDevicePath)

	var ifr [ifReqSize]byte
	nameBytes := []byte(name)
	if len(nameBytes) >= unix.IFNAMSIZ {
		file.Close()
		return nil, errors.New("tundev: interface name too long")
	}
	copy(ifr[:], nameBytes)

	var flags uint16 = unix.IFF_TUN | unix.IFF_NO_PI
	if tap {
		flags = unix.IFF_TAP | unix.IFF_NO_PI
	}
	binary.LittleEndian.PutUint16(ifr[unix.IFNAMSIZ:], flags)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		file.Fd(),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		file.Close()
		return nil, fmt.Errorf("tundev: TUNSETIFF: %w", errno)
	}

	assigned := string(ifr[:clen(ifr[:unix.IFNAMSIZ])])
	return &nativeDevice{fd: file, name: assigned, tap: tap}, nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

func (d *nativeDevice) ReadFrame(buf []byte) (int, error) { return d.fd.Read(buf) }
func (d *nativeDevice) WriteFrame(f []byte) (int, error)  { return d.fd.Write(f) }
func (d *nativeDevice) Name() string                      { return d.name }
func (d *nativeDevice) IsTAP() bool                       { return d.tap }
func (d *nativeDevice) Close() error                      { return d.fd.Close() }
