// Package reachability implements C7: the 5-second supervisor that
// turns per-link "seen" activity into tunnel up/down edges and
// installs or withdraws the configured routes accordingly
// (spec.md §4.7).
package reachability

import (
	"context"
	"log"
	"sync"
	"time"

	"multivpn/internal/config"
	"multivpn/internal/metrics"
	"multivpn/internal/netctl"
)

const tick = 5 * time.Second

// Supervisor tracks per-link activity between ticks and derives a
// single tunnel-level up/down state from it.
type Supervisor struct {
	Routes []config.RouteConfig
	Gw     string

	mu       sync.Mutex
	seen     map[string]bool
	lastseen map[string]bool
	up       bool
}

// New returns a Supervisor for the given routes, installed/withdrawn
// via gw once the tunnel is judged reachable.
func New(routes []config.RouteConfig, gw string) *Supervisor {
	return &Supervisor{
		Routes:   routes,
		Gw:       gw,
		seen:     make(map[string]bool),
		lastseen: make(map[string]bool),
	}
}

// Mark records that link has been heard from since the last tick.
// Safe for concurrent use from every link's recv-drain goroutine.
func (s *Supervisor) Mark(link string) {
	s.mu.Lock()
	s.seen[link] = true
	s.mu.Unlock()
}

// Run ticks every 5 seconds until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.evaluate()
		}
	}
}

// evaluate snapshots seen into lastseen and resets seen, then applies
// spec.md §4.7's edge-detection and route install/withdraw rules.
func (s *Supervisor) evaluate() {
	s.mu.Lock()
	anySeen := len(s.seen) > 0
	s.lastseen = s.seen
	s.seen = make(map[string]bool)
	wasUp := s.up
	s.up = anySeen
	s.mu.Unlock()
	metrics.SetTunnelUp(anySeen)

	if anySeen && !wasUp {
		log.Printf("reachability: tunnel up")
		s.installRoutes()
	} else if !anySeen && wasUp {
		log.Printf("reachability: tunnel down")
		s.withdrawRoutes()
	}
}

// installRoutes deletes then re-adds every configured route, matching
// spec.md §4.7's "delete-then-add on up" idempotence rule.
func (s *Supervisor) installRoutes() {
	for _, r := range s.Routes {
		if err := netctl.RouteDelete(r.To, r.Mask, s.Gw, r.Table); err != nil {
			log.Printf("reachability: route delete %s/%d (pre-install): %v", r.To, r.Mask, err)
		}
		if err := netctl.RouteUpsert(r.To, r.Mask, s.Gw, r.Table, r.Metric); err != nil {
			log.Printf("reachability: route install %s/%d: %v", r.To, r.Mask, err)
		}
	}
}

func (s *Supervisor) withdrawRoutes() {
	for _, r := range s.Routes {
		if err := netctl.RouteDelete(r.To, r.Mask, s.Gw, r.Table); err != nil {
			log.Printf("reachability: route delete %s/%d: %v", r.To, r.Mask, err)
		}
	}
}

// Up reports the current tunnel-level reachability state. The same
// state is pushed to the metrics endpoint on every evaluation.
func (s *Supervisor) Up() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.up
}

// LastSeen reports whether link was present in the most recent
// completed window, used to build the link list of our own outbound
// announcements.
func (s *Supervisor) LastSeen(link string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastseen[link]
}
