// Package peer implements the session-announcement wire format and
// its disambiguation from data frames (spec.md §4.4, §6).
package peer

import (
	"strings"
	"unicode"
)

// Tag is the 4-byte marker that identifies a session-announcement
// datagram, inspected after inbound filtering per spec.md §6.
const Tag = "SES:"

// Announcement is one side's view of which of its links currently
// hear from the peer.
type Announcement struct {
	// SenderLink is the name of the link the sender is transmitting
	// on (the sender's own label for this path).
	SenderLink string
	// Seen is the sender's current set of links that have observed
	// recent traffic from us (its lastseen key set).
	Seen []string
}

// Encode produces the ASCII wire form: SES:<dstlink>:<comma-joined
// seen links>.
func (a Announcement) Encode() []byte {
	return []byte(Tag + a.SenderLink + ":" + strings.Join(a.Seen, ","))
}

// Looks reports whether b begins with the announcement tag. This is
// the unconditioned legacy classification: a data frame whose first
// four post-filter bytes happen to equal "SES:" is indistinguishable
// from control traffic.
func Looks(b []byte) bool {
	return len(b) >= len(Tag) && string(b[:len(Tag)]) == Tag
}

// Decode parses an announcement payload (with the tag still present).
// In strict mode it additionally requires the payload be printable
// ASCII with at least two colon-delimited fields after the tag,
// hardening against data frames that happen to start with "SES:" —
// the compatibility flag recommended in spec.md §9.
func Decode(b []byte, strict bool) (Announcement, bool) {
	if !Looks(b) {
		return Announcement{}, false
	}
	if strict && !isPrintableASCII(b) {
		return Announcement{}, false
	}
	rest := string(b[len(Tag):])
	parts := strings.SplitN(rest, ":", 2)
	if strict && len(parts) != 2 {
		return Announcement{}, false
	}
	a := Announcement{SenderLink: parts[0]}
	if len(parts) == 2 && parts[1] != "" {
		a.Seen = strings.Split(parts[1], ",")
	}
	return a, true
}

func isPrintableASCII(b []byte) bool {
	for _, r := range string(b) {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// SeenSet returns keys as a lookup set, used by the daemon to test a
// received announcement's link list for membership.
func SeenSet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}
