// Package daemon wires every component together: C1 (tun/tap) read
// goroutine feeds C5 (dispatch) which writes through C2 (link)
// endpoints; each link's recv-drain feeds C3 (filter) then either C4
// (peer announcement) or back out C1, per spec.md §2's data-flow line.
// The Daemon struct is the single supervisor owning all shared state
// (spec.md §9's "model as a single supervisor struct").
package daemon

import (
	"context"
	"log"
	"sync"
	"time"

	"multivpn/internal/config"
	"multivpn/internal/dispatch"
	"multivpn/internal/filter"
	"multivpn/internal/link"
	"multivpn/internal/metrics"
	"multivpn/internal/peer"
	"multivpn/internal/reachability"
	"multivpn/internal/tundev"
	"multivpn/internal/watcher"
)

// LinkState is the mutable, per-link record the daemon keeps: the
// static LinkConfig plus the currently open endpoint and the source
// address it was opened against.
type LinkState struct {
	Config   config.LinkConfig
	Endpoint *link.Endpoint
	SrcAddr  string

	// Active is C4's per-link "peer view": true iff the peer's most
	// recent announcement (received on ANY link) listed this link's
	// name (spec.md §3/§4.4). Distinct from reachability.Supervisor's
	// seen/lastseen, which is a tunnel-level aggregate keyed by the
	// physical arrival link.
	Active bool
}

// Daemon owns every piece of shared state: the link table, the
// reachability supervisor's seen/lastseen/up state (delegated to
// internal/reachability), the tun/tap device, and the dispatcher.
type Daemon struct {
	cfg *config.Config
	tun tundev.Device

	mu    sync.Mutex
	links map[string]*LinkState

	dispatcher *dispatch.Dispatcher
	reach      *reachability.Supervisor
	chain      filter.Chain
}

// New constructs a Daemon from a parsed configuration. tun may be nil
// in tests that only exercise link dispatch.
func New(cfg *config.Config, tun tundev.Device, chain filter.Chain) *Daemon {
	gw := cfg.Local.DstIP
	d := &Daemon{
		cfg:        cfg,
		tun:        tun,
		links:      make(map[string]*LinkState),
		dispatcher: dispatch.New(),
		reach:      reachability.New(cfg.Routes, gw),
		chain:      chain,
	}
	return d
}

// Open brings up every configured link's UDP endpoint.
func (d *Daemon) Open() error {
	for _, lc := range d.cfg.Links {
		src, err := watcher.ResolveSource(lc.Src)
		if err != nil {
			log.Printf("daemon: link %s: resolve src %q: %v", lc.Name, lc.Src, err)
			continue
		}
		if src == "" {
			src = "0.0.0.0"
		}
		ep, err := link.Open(lc, src, d.chain)
		if err != nil {
			log.Printf("daemon: link %s: open failed, will retry on next watcher tick: %v", lc.Name, err)
			continue
		}
		d.mu.Lock()
		d.links[lc.Name] = &LinkState{Config: lc, Endpoint: ep, SrcAddr: src}
		d.mu.Unlock()
	}
	return nil
}

// CurrentSrc implements watcher.Endpoints.
func (d *Daemon) CurrentSrc(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ls := d.links[name]; ls != nil {
		return ls.SrcAddr
	}
	return ""
}

// Rebuild implements watcher.Endpoints: terminates the old endpoint
// (if any) before opening the replacement, per the resource-lifetime
// invariant that at most one endpoint per link exists at a time.
func (d *Daemon) Rebuild(lc config.LinkConfig, newSrc string) error {
	d.mu.Lock()
	old := d.links[lc.Name]
	delete(d.links, lc.Name)
	d.mu.Unlock()

	if old != nil && old.Endpoint != nil {
		old.Endpoint.Terminate()
	}

	ep, err := link.Open(lc, newSrc, d.chain)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.links[lc.Name] = &LinkState{Config: lc, Endpoint: ep, SrcAddr: newSrc}
	d.mu.Unlock()
	return nil
}

// Announce implements watcher.Announcer: sends a session announcement
// on every link that currently has a known destination, naming the
// set of links that have recently heard from the peer (spec.md §4.4).
func (d *Daemon) Announce() {
	seen := d.seenLinkNames()
	d.mu.Lock()
	states := make([]*LinkState, 0, len(d.links))
	for _, ls := range d.links {
		states = append(states, ls)
	}
	d.mu.Unlock()

	for _, ls := range states {
		if ls.Endpoint == nil || ls.Endpoint.Destination() == nil {
			continue
		}
		ann := peer.Announcement{SenderLink: ls.Config.Name, Seen: seen}
		if err := ls.Endpoint.Send(ann.Encode()); err != nil {
			log.Printf("daemon: link %s: announce send failed: %v", ls.Config.Name, err)
		}
	}
}

func (d *Daemon) seenLinkNames() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.links))
	for name := range d.links {
		names = append(names, name)
	}
	d.mu.Unlock()
	var out []string
	for _, n := range names {
		if d.reach.LastSeen(n) {
			out = append(out, n)
		}
	}
	return out
}

// observer adapts one link's classified-datagram callbacks onto the
// daemon: announcements update the reachability supervisor's seen
// set, data frames are written back out the tun/tap device.
type observer struct {
	d    *Daemon
	name string
}

func (o observer) OnAnnouncement(linkName string, raw []byte) {
	strict := o.d.cfg.Local.StrictAnnounce
	ann, ok := peer.Decode(raw, strict)
	if !ok {
		return
	}
	o.d.applyPeerView(ann.Seen)
	if len(ann.Seen) > 0 {
		// seen[dstlink] is incremented by |peerseen|, non-zero iff the
		// peer sees anyone at all (spec.md §4.4 step 3); this is C7's
		// windowed tunnel-level aggregate, separate from C4's Active.
		o.d.reach.Mark(o.name)
	}
	metrics.ObserveAnnounceSeen(o.name)
}

// applyPeerView implements C4: for every configured link L, regardless
// of which link this announcement arrived on, L.active is set to
// whether the announcement's peerseen set names L (spec.md §3/§4.4:
// "L.active ← (L.name ∈ peerseen)").
func (d *Daemon) applyPeerView(seen []string) {
	peerseen := peer.SeenSet(seen)
	d.mu.Lock()
	for _, ls := range d.links {
		ls.Active = peerseen[ls.Config.Name]
	}
	d.mu.Unlock()
}

func (o observer) OnData(frame []byte) {
	o.d.reach.Mark(o.name)
	if o.d.tun == nil {
		return
	}
	n, err := o.d.tun.WriteFrame(frame)
	if err != nil {
		log.Printf("daemon: tun write: %v", err)
	} else if n != len(frame) {
		log.Printf("daemon: tun write: wrote %d of %d bytes", n, len(frame))
	}
}

// drainLink polls one link's socket until ctx is canceled. It re-fetches
// the current endpoint for name from d.links on every cycle (rather than
// closing over a single *LinkState) so that a Rebuild — which swaps in a
// brand-new *LinkState/Endpoint on a local-address change — is picked up
// without needing its own drain goroutine.
func (d *Daemon) drainLink(ctx context.Context, name string) {
	obs := observer{d: d, name: name}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.mu.Lock()
		ls := d.links[name]
		d.mu.Unlock()
		if ls == nil || ls.Endpoint == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		ls.Endpoint.Drain(obs)
	}
}

// readTun relays frames from the tun/tap device into the dispatcher,
// which fans each frame out to the least-used eligible link.
func (d *Daemon) readTun(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.tun.ReadFrame(buf)
		if err != nil {
			log.Printf("daemon: tun read: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		d.dispatchFrame(frame)
	}
}

func (d *Daemon) dispatchFrame(frame []byte) {
	d.mu.Lock()
	cands := make([]dispatch.Candidate, 0, len(d.links))
	for _, ls := range d.links {
		ls := ls
		// Eligibility per spec.md §3/§4.5: endpoint exists, (active OR
		// dead-peer-detection disabled), and a destination is known.
		// active is C4's per-link peer view, not C7's windowed seen map.
		eligible := (ls.Active || d.cfg.Local.DeadPeerOff) && ls.Endpoint != nil && ls.Endpoint.Destination() != nil
		metrics.SetLinkActive(ls.Config.Name, eligible)
		cands = append(cands, dispatch.Candidate{
			Name:     ls.Config.Name,
			Factor:   ls.Config.Factor,
			Eligible: eligible,
			Send:     ls.Endpoint.Send,
		})
	}
	d.mu.Unlock()

	sent := d.dispatcher.Dispatch(frame, cands)
	if sent == "" {
		metrics.ObserveSendFailure("*")
		return
	}
	metrics.ObserveDispatch(sent)
	metrics.SetLinkTried(sent, d.dispatcher.Tried(sent))
}

// Run starts every goroutine the daemon needs — per-link recv-drain
// loops, the tun/tap read loop, the 1 Hz watcher/announcer tick, and
// the 5 s reachability tick — and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Open(); err != nil {
		return err
	}

	var wg sync.WaitGroup

	// One drain loop per configured link, including links whose endpoint
	// failed to open above and is only created later by a Rebuild.
	for _, lc := range d.cfg.Links {
		name := lc.Name
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.drainLink(ctx, name)
		}()
	}

	if d.tun != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.readTun(ctx)
		}()
	}

	w := watcher.New(d.cfg.Links, d, d)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reach.Run(ctx)
	}()

	<-ctx.Done()
	d.mu.Lock()
	for _, ls := range d.links {
		if ls.Endpoint != nil {
			ls.Endpoint.Terminate()
		}
	}
	d.mu.Unlock()
	if d.tun != nil {
		_ = d.tun.Close()
	}
	wg.Wait()
	return nil
}
