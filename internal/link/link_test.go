package link

import (
	"net"
	"strconv"
	"testing"
	"time"

	"multivpn/internal/config"
	"multivpn/internal/filter"
)

func freePort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer pc.Close()
	_, portStr, _ := net.SplitHostPort(pc.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

type recorder struct {
	announcements [][]byte
	data          [][]byte
}

func (r *recorder) OnAnnouncement(linkName string, raw []byte) {
	r.announcements = append(r.announcements, raw)
}

func (r *recorder) OnData(frame []byte) {
	r.data = append(r.data, frame)
}

// TestBasicForwarding covers spec.md S1: two endpoints with known
// destinations exchange a data frame over loopback.
func TestBasicForwarding(t *testing.T) {
	pa, pb := freePort(t), freePort(t)

	a, err := Open(config.LinkConfig{Name: "a", SrcPort: pa, DstIP: "127.0.0.1", DstPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Terminate()

	b, err := Open(config.LinkConfig{Name: "b", SrcPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Terminate()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	rec := &recorder{}
	deadline := time.Now().Add(time.Second)
	for len(rec.data) == 0 && time.Now().Before(deadline) {
		b.Drain(rec)
	}
	if len(rec.data) != 1 || string(rec.data[0]) != "hello" {
		t.Fatalf("got data %v", rec.data)
	}
}

// TestReplyOnlyLearnsDestination covers spec.md S6: a link with no
// configured destination learns one from the first received datagram
// and can then Send back.
func TestReplyOnlyLearnsDestination(t *testing.T) {
	pa, pb := freePort(t), freePort(t)

	a, err := Open(config.LinkConfig{Name: "a", SrcPort: pa, DstIP: "127.0.0.1", DstPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Terminate()

	b, err := Open(config.LinkConfig{Name: "b", SrcPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Terminate()

	if b.Destination() != nil {
		t.Fatalf("reply-only link should start with no destination")
	}

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	rec := &recorder{}
	deadline := time.Now().Add(time.Second)
	for len(rec.data) == 0 && time.Now().Before(deadline) {
		b.Drain(rec)
	}
	if b.Destination() == nil {
		t.Fatalf("b should have learned a's address")
	}

	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("reply send: %v", err)
	}

	rec2 := &recorder{}
	deadline = time.Now().Add(time.Second)
	for len(rec2.data) == 0 && time.Now().Before(deadline) {
		a.Drain(rec2)
	}
	if len(rec2.data) != 1 || string(rec2.data[0]) != "pong" {
		t.Fatalf("got data %v", rec2.data)
	}
}

func TestSendWithNoDestinationErrors(t *testing.T) {
	p := freePort(t)
	e, err := Open(config.LinkConfig{Name: "x", SrcPort: p, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Terminate()

	if err := e.Send([]byte("nope")); err != errNoDestination {
		t.Fatalf("expected errNoDestination, got %v", err)
	}
}

func TestDrainClassifiesAnnouncement(t *testing.T) {
	pa, pb := freePort(t), freePort(t)

	a, err := Open(config.LinkConfig{Name: "a", SrcPort: pa, DstIP: "127.0.0.1", DstPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Terminate()

	b, err := Open(config.LinkConfig{Name: "b", SrcPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Terminate()

	if err := a.Send([]byte("SES:a:a,b")); err != nil {
		t.Fatalf("send: %v", err)
	}

	rec := &recorder{}
	deadline := time.Now().Add(time.Second)
	for len(rec.announcements) == 0 && time.Now().Before(deadline) {
		b.Drain(rec)
	}
	if len(rec.announcements) != 1 || len(rec.data) != 0 {
		t.Fatalf("announcements=%v data=%v", rec.announcements, rec.data)
	}
}

func TestStatsCountSentAndReceived(t *testing.T) {
	pa, pb := freePort(t), freePort(t)

	a, err := Open(config.LinkConfig{Name: "a", SrcPort: pa, DstIP: "127.0.0.1", DstPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Terminate()

	b, err := Open(config.LinkConfig{Name: "b", SrcPort: pb, Factor: 1}, "127.0.0.1", filter.Chain{})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Terminate()

	_ = a.Send([]byte("x"))
	rec := &recorder{}
	deadline := time.Now().Add(time.Second)
	for len(rec.data) == 0 && time.Now().Before(deadline) {
		b.Drain(rec)
	}

	sentA, _ := a.Stats()
	_, recvB := b.Stats()
	if sentA != 1 {
		t.Fatalf("sentA = %d, want 1", sentA)
	}
	if recvB != 1 {
		t.Fatalf("recvB = %d, want 1", recvB)
	}
}
