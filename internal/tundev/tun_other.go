//go:build !linux

package tundev

import "fmt"

// Open is unimplemented outside Linux; the TUNSETIFF ioctl path is
// the only backend in scope (spec.md §4 domain stack).
func Open(name string, tap bool) (Device, error) {
	return nil, fmt.Errorf("tundev: tun/tap device bring-up is supported only on linux")
}
