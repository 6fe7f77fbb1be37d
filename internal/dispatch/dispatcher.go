// Package dispatch implements the weighted per-packet link selector
// (spec.md §4.5, C5).
package dispatch

import "sync"

// rescaleThreshold is spec.md §9's recommended ceiling: once the
// largest tried value crosses it, subtract the minimum from every
// link. Differences are all that matter to the selection order, so
// this is behavior-preserving.
const rescaleThreshold = 1 << 40

// Candidate is one link as seen by the dispatcher. Eligible links are
// tried in spec.md §4.5's three-step algorithm; ineligible candidates
// are still charged if they are the first scanned (step 2's
// documented oddity, §9).
type Candidate struct {
	Name     string
	Factor   float64
	Eligible bool
	Send     func(frame []byte) error
}

// Dispatcher selects, for each outbound frame, the least-used
// eligible link weighted by factor (deficit-round-robin-like:
// tried += 1/factor).
type Dispatcher struct {
	mu    sync.Mutex
	tried map[string]float64

	// ChargeOnSendOnly switches to charging only the link actually
	// sent on, instead of reference-compatible charge-on-first-scanned
	// (spec.md §9's "bug suspected, not resolved"). Default false
	// preserves the original, quirky behavior bit-for-bit.
	ChargeOnSendOnly bool
}

func New() *Dispatcher {
	return &Dispatcher{tried: make(map[string]float64)}
}

// order returns candidate indices sorted ascending by current tried
// value; equal tried values keep the order candidates were passed in,
// which is a stable, deterministic tie-break (any such order satisfies
// spec.md §4.5's requirement that ties not starve any link).
func (d *Dispatcher) order(cands []Candidate) []int {
	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	d.mu.Lock()
	tried := make([]float64, len(cands))
	for i, c := range cands {
		tried[i] = d.tried[c.Name]
	}
	d.mu.Unlock()

	// stable insertion sort: small N (number of configured links),
	// and we need a stable tie-break.
	for i := 1; i < len(idx); i++ {
		j := i
		for j > 0 && tried[idx[j]] < tried[idx[j-1]] {
			idx[j], idx[j-1] = idx[j-1], idx[j]
			j--
		}
	}
	return idx
}

// Dispatch sends frame on the first eligible candidate in ascending-
// tried order, after charging the first candidate with a positive
// factor (regardless of eligibility, per spec.md §4.5 step 2 unless
// ChargeOnSendOnly is set). It returns the name of the link the frame
// was sent on, or "" if the frame was dropped.
func (d *Dispatcher) Dispatch(frame []byte, cands []Candidate) string {
	order := d.order(cands)

	chargedFirst := false
	sent := ""
	for _, i := range order {
		c := cands[i]
		if c.Factor <= 0 {
			continue
		}
		if !chargedFirst {
			chargedFirst = true
			if !d.ChargeOnSendOnly {
				d.charge(c.Name, c.Factor)
			}
		}
		if !c.Eligible {
			continue
		}
		if d.ChargeOnSendOnly {
			d.charge(c.Name, c.Factor)
		}
		if err := c.Send(frame); err == nil {
			sent = c.Name
		}
		break
	}
	d.maybeRescale(cands)
	return sent
}

func (d *Dispatcher) charge(name string, factor float64) {
	d.mu.Lock()
	d.tried[name] += 1 / factor
	d.mu.Unlock()
}

func (d *Dispatcher) maybeRescale(cands []Candidate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	max := 0.0
	for _, c := range cands {
		if v := d.tried[c.Name]; v > max {
			max = v
		}
	}
	if max <= rescaleThreshold {
		return
	}
	min := max
	for _, c := range cands {
		if v := d.tried[c.Name]; v < min {
			min = v
		}
	}
	for _, c := range cands {
		d.tried[c.Name] -= min
	}
}

// Tried returns the current accumulator for name, for tests/metrics.
func (d *Dispatcher) Tried(name string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tried[name]
}
