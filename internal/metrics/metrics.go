// Package metrics implements a hand-rolled Prometheus text-exposition
// endpoint for the daemon's per-link counters and tunnel state
// (spec.md §9 supplemented feature; grounded in the teacher's own
// internal/metrics.go, which also hand-writes this format rather
// than importing prometheus/client_golang).
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	dispatchTotal map[string]uint64
	sendFailures  map[string]uint64
	linkActive    map[string]float64
	linkTried     map[string]float64
	announceSeen  map[string]uint64
	tunnelUp      float64
}

var (
	mu sync.RWMutex
	m  = telemetry{}
)

// Enable prepares the registry for collection. Cheap to call more
// than once.
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	if m.enabled {
		return
	}
	m.dispatchTotal = make(map[string]uint64)
	m.sendFailures = make(map[string]uint64)
	m.linkActive = make(map[string]float64)
	m.linkTried = make(map[string]float64)
	m.announceSeen = make(map[string]uint64)
	m.enabled = true
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx
// is canceled, at which point it shuts the server down gracefully.
func Serve(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("metrics: empty listen address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
	return nil
}

// ObserveDispatch records one frame sent on link.
func ObserveDispatch(link string) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	m.dispatchTotal[fmt.Sprintf("link=%s", link)]++
}

// ObserveSendFailure records one dropped send on link.
func ObserveSendFailure(link string) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	m.sendFailures[fmt.Sprintf("link=%s", link)]++
}

// SetLinkActive reports whether link is currently eligible for
// dispatch (as computed by the daemon for each dispatched frame).
func SetLinkActive(link string, active bool) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	v := 0.0
	if active {
		v = 1
	}
	m.linkActive[fmt.Sprintf("link=%s", link)] = v
}

// SetLinkTried reports a link's current dispatcher accumulator value.
func SetLinkTried(link string, tried float64) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	m.linkTried[fmt.Sprintf("link=%s", link)] = tried
}

// ObserveAnnounceSeen records one decoded announcement received on
// link, whatever links its list names.
func ObserveAnnounceSeen(link string) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	m.announceSeen[fmt.Sprintf("link=%s", link)]++
}

// SetTunnelUp reports the tunnel-level reachability state.
func SetTunnelUp(up bool) {
	mu.RLock()
	if !m.enabled {
		mu.RUnlock()
		return
	}
	m.mu.Lock()
	mu.RUnlock()
	defer m.mu.Unlock()
	if up {
		m.tunnelUp = 1
	} else {
		m.tunnelUp = 0
	}
}

func handler(w http.ResponseWriter, _ *http.Request) {
	mu.RLock()
	enabled := m.enabled
	mu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m.mu.RLock()
	defer m.mu.RUnlock()

	writeCounterVec(w, "multivpn_dispatch_total", m.dispatchTotal)
	writeCounterVec(w, "multivpn_send_failures_total", m.sendFailures)
	writeGaugeVec(w, "multivpn_link_active", m.linkActive)
	writeGaugeVec(w, "multivpn_link_tried", m.linkTried)
	writeCounterVec(w, "multivpn_announce_seen_total", m.announceSeen)
	fmt.Fprintf(w, "multivpn_tunnel_up %.0f\n", m.tunnelUp)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func writeGaugeVec(w http.ResponseWriter, name string, data map[string]float64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %.4f\n", name, toPromLabels(k), data[k])
	}
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", kv[0], strings.ReplaceAll(kv[1], "\"", "\\\""))
	}
	return strings.Join(parts, ",")
}
