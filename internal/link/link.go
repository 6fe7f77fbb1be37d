// Package link implements one per-link UDP endpoint: bind/connect,
// non-blocking drain, filtered send, and the NAT-flush probe
// (spec.md §4.2, C2).
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"multivpn/internal/config"
	"multivpn/internal/filter"
)

const maxDatagram = 1600

// Observer receives classified datagrams off the drain loop. At most
// one of OnAnnouncement/OnData is called per received datagram; a
// datagram the inbound filter chain rejects is logged and dropped
// without either call.
type Observer interface {
	OnAnnouncement(linkName string, raw []byte)
	OnData(frame []byte)
}

// Endpoint owns one UDP socket bound to (curip, srcport) for a single
// configured link.
type Endpoint struct {
	Name   string
	Config config.LinkConfig
	Chain  filter.Chain

	conn      *net.UDPConn
	connected bool // true when conn was produced by Dial (BIND mode): it
	// has an implicit peer and must be written with Write, not WriteToUDP

	mu          sync.Mutex
	lastAddr    *net.UDPAddr // last observed sender, seeds reply-only dispatch
	sendCounter uint64
	recvCounter uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Open creates the UDP socket for lc bound to (srcIP, lc.SrcPort). If
// REUSE is set, SO_REUSEADDR/SO_REUSEPORT are applied before bind via
// a ListenConfig.Control callback. If BIND is set and a destination is
// already known, the socket is "connected" to that peer instead so
// the kernel selects the correct source address, and a one-byte probe
// is sent to flush NAT state.
func Open(lc config.LinkConfig, srcIP string, chain filter.Chain) (*Endpoint, error) {
	laddr := net.JoinHostPort(srcIP, itoa(lc.SrcPort))

	lcfg := net.ListenConfig{}
	if lc.Has(config.OptReuse) {
		lcfg.Control = reuseControl
	}

	e := &Endpoint{
		Name:   lc.Name,
		Config: lc,
		Chain:  chain,
		closed: make(chan struct{}),
	}

	if lc.Has(config.OptBind) && lc.HasDst() {
		raddr := net.JoinHostPort(lc.DstIP, itoa(lc.DstPort))
		// "Connect" the socket to the peer so the kernel selects the
		// correct source address for this destination, per spec.md
		// §4.2; net.Dialer.LocalAddr pins the bind side while Control
		// applies the REUSE socket options before bind(2).
		dialer := net.Dialer{
			LocalAddr: &net.UDPAddr{IP: net.ParseIP(srcIP), Port: lc.SrcPort},
			Control:   lcfg.Control,
		}
		dc, err := dialer.Dial("udp", raddr)
		if err != nil {
			return nil, fmt.Errorf("link %s: dial %s: %w", lc.Name, raddr, err)
		}
		e.conn = dc.(*net.UDPConn)
		e.connected = true
		ra, err := net.ResolveUDPAddr("udp", raddr)
		if err != nil {
			e.conn.Close()
			return nil, fmt.Errorf("link %s: resolve dst %s: %w", lc.Name, raddr, err)
		}
		e.mu.Lock()
		e.lastAddr = ra
		e.mu.Unlock()

		if _, err := e.conn.Write([]byte{'a'}); err != nil {
			log.Printf("link %s: NAT-flush probe failed (non-fatal): %v", lc.Name, err)
		}
	} else {
		pc, err := lcfg.ListenPacket(context.Background(), "udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("link %s: listen %s: %w", lc.Name, laddr, err)
		}
		e.conn = pc.(*net.UDPConn)
		if lc.HasDst() {
			ra, err := net.ResolveUDPAddr("udp", net.JoinHostPort(lc.DstIP, itoa(lc.DstPort)))
			if err == nil {
				e.mu.Lock()
				e.lastAddr = ra
				e.mu.Unlock()
			} else {
				log.Printf("link %s: resolve configured dst: %v", lc.Name, err)
			}
		}
	}

	return e, nil
}

func reuseControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
		// SO_REUSEPORT is not available on every platform x/sys
		// targets; ignore ENOPROTOOPT rather than fail link bring-up.
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil && !errors.Is(e, unix.ENOPROTOOPT) {
			sockErr = e
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Destination resolves the peer address to send to: the configured
// one, or the last observed sender for a reply-only link.
func (e *Endpoint) Destination() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAddr
}

// Send applies the outbound filter chain and writes once. A failure
// prints a single "X" marker to stderr and drops the packet; there is
// no queue and no retry (spec.md §4.2, §7).
func (e *Endpoint) Send(plain []byte) error {
	dst := e.Destination()
	if dst == nil {
		return errNoDestination
	}
	out := e.Chain.Outbound(plain)
	var err error
	if e.connected {
		_, err = e.conn.Write(out)
	} else {
		_, err = e.conn.WriteToUDP(out, dst)
	}
	if err != nil {
		fmt.Fprint(os.Stderr, "X")
		return err
	}
	e.mu.Lock()
	e.sendCounter++
	e.mu.Unlock()
	return nil
}

var errNoDestination = errors.New("link: no known destination")

// Drain reads every pending datagram until EAGAIN/timeout, classifies
// each as announcement or data, and delivers it to obs. It is meant
// to be called from the readiness loop each time the socket becomes
// readable, or polled on a short deadline.
func (e *Endpoint) Drain(obs Observer) {
	buf := make([]byte, maxDatagram)
	for {
		_ = e.conn.SetReadDeadline(time.Now().Add(5 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			return
		}
		if n == 0 {
			return
		}

		e.mu.Lock()
		e.lastAddr = addr
		e.recvCounter++
		e.mu.Unlock()

		plain, err := e.Chain.Inbound(buf[:n])
		if err != nil {
			log.Printf("link %s: inbound filter: %v", e.Name, err)
			continue
		}
		if isAnnouncement(plain) {
			obs.OnAnnouncement(e.Name, plain)
		} else {
			obs.OnData(plain)
		}
	}
}

// isAnnouncement is deliberately minimal here; the peer package owns
// the real classification/decoding logic. This mirrors spec.md §6's
// "SES:" prefix check performed after inbound filtering.
func isAnnouncement(b []byte) bool {
	return len(b) >= 4 && string(b[:4]) == "SES:"
}

// Terminate stops draining and closes the socket. Safe to call more
// than once.
func (e *Endpoint) Terminate() {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.conn != nil {
			e.conn.Close()
		}
	})
}

// Stats reports cumulative sent and received packet counters. They are
// not exported through the metrics package.
func (e *Endpoint) Stats() (sent, recv uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendCounter, e.recvCounter
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
