// Package watcher implements C6/C8: the shared 1 Hz tick that
// re-resolves each link's current source address, rebuilds the link's
// UDP endpoint when it changes, and triggers the peer announcement on
// every tick (spec.md §4.6, §2's "C6 and C8 share the same 1 Hz tick").
package watcher

import (
	"context"
	"log"
	"net"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"multivpn/internal/config"
)

const tick = time.Second

// Endpoints is the subset of the daemon's link table the watcher
// needs: current address per link, and a way to swap in a freshly
// opened endpoint when the source address moves.
type Endpoints interface {
	CurrentSrc(link string) string
	Rebuild(lc config.LinkConfig, newSrc string) error
}

// Announcer is invoked once per tick after address resolution, so C8
// rides the same 1 Hz cadence as C6.
type Announcer interface {
	Announce()
}

// Watcher owns the per-second resolve/rebuild/announce cycle.
type Watcher struct {
	Links     []config.LinkConfig
	Endpoints Endpoints
	Announcer Announcer
}

// New returns a Watcher ready to Run.
func New(links []config.LinkConfig, ep Endpoints, ann Announcer) *Watcher {
	return &Watcher{Links: links, Endpoints: ep, Announcer: ann}
}

// Run ticks once a second until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	for _, lc := range w.Links {
		resolved, err := ResolveSource(lc.Src)
		if err != nil {
			log.Printf("watcher: link %s: resolve %q: %v", lc.Name, lc.Src, err)
			continue
		}
		if resolved == "" {
			continue
		}
		if resolved != w.Endpoints.CurrentSrc(lc.Name) {
			log.Printf("watcher: link %s: source address changed to %s, rebuilding", lc.Name, resolved)
			if err := w.Endpoints.Rebuild(lc, resolved); err != nil {
				log.Printf("watcher: link %s: rebuild failed: %v", lc.Name, err)
			}
		}
	}
	w.Announcer.Announce()
}

// ResolveSource resolves a link's configured Src field: a literal IP
// is returned unchanged, an interface name is resolved to its current
// primary address via netlink.AddrList (spec.md §4.6's "current
// source address" query), returning the first non-loopback IPv4
// address listed; address scope is not checked.
func ResolveSource(src string) (string, error) {
	if src == "" {
		return "", nil
	}
	if ip := net.ParseIP(src); ip != nil {
		return src, nil
	}

	link, err := netlink.LinkByName(src)
	if err != nil {
		return "", err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if a.IP.IsLoopback() {
			continue
		}
		return a.IP.String(), nil
	}
	return "", nil
}

// dottedQuad reports whether s parses as a bare IPv4 literal, used by
// tundev's TUN/TAP selection rule.
func dottedQuad(s string) bool {
	if ip := net.ParseIP(s); ip != nil {
		return strings.Count(s, ".") == 3
	}
	return false
}

// DottedQuad exports dottedQuad for callers outside the package.
func DottedQuad(s string) bool { return dottedQuad(s) }
