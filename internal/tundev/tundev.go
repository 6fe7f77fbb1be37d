// Package tundev implements C1: the tun/tap endpoint that relays raw
// IP frames between the kernel and the dispatcher (spec.md §4.1).
package tundev

// Device is the frame-relay surface the daemon reads from and writes
// to. Implementations own a single kernel tun/tap interface; bring-up
// (address, MTU, MSS clamp, bridge membership) is delegated to
// internal/netctl, not performed here.
type Device interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) (int, error)
	Name() string
	IsTAP() bool
	Close() error
}

// WantTAP implements spec.md §4.1's mode-selection rule: a dotted-quad
// local IP with no explicit "tap" option selects TUN; anything else
// (the tap option set, or a local address that isn't a bare IPv4
// literal) selects TAP.
func WantTAP(localIsDottedQuad bool, tapOption bool) bool {
	if tapOption {
		return true
	}
	return !localIsDottedQuad
}
