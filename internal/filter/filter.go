// Package filter implements the optional obfuscation chain applied to
// datagrams before send and after receive on a link.
//
// These transforms are obfuscation only. They provide no
// confidentiality or integrity guarantee and MUST NOT be presented as
// encryption; anyone wanting real confidentiality should terminate a
// proper transport (DTLS or similar) between links instead.
package filter

import "encoding/base64"

const rotateWindow = 200

// Chain is a symmetric pair of transforms. Outbound order is fixed:
// base64-encode, then byte-rotate, then prepend. Inbound undoes them
// in reverse: strip prepend, byte-unrotate, base64-decode.
type Chain struct {
	Prefix []byte // Prepend; nil/empty disables the stage
	Rotate bool
	Base64 bool
}

// Outbound applies the enabled stages, in order, to a plaintext frame.
func (c Chain) Outbound(in []byte) []byte {
	out := in
	if c.Base64 {
		out = encodeBase64(out)
	}
	if c.Rotate {
		out = rotate(out, 127)
	}
	if len(c.Prefix) > 0 {
		out = prepend(c.Prefix, out)
	}
	return out
}

// Inbound reverses Outbound. It returns an error only when base64 is
// enabled and decoding fails; the prepend and rotate stages cannot
// fail on their own.
func (c Chain) Inbound(in []byte) ([]byte, error) {
	out := in
	if len(c.Prefix) > 0 {
		out = stripPrefix(c.Prefix, out)
	}
	if c.Rotate {
		out = rotate(out, 129)
	}
	if c.Base64 {
		var err error
		out, err = decodeBase64(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func prepend(prefix, in []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(in))
	out = append(out, prefix...)
	out = append(out, in...)
	return out
}

func stripPrefix(prefix, in []byte) []byte {
	if len(in) < len(prefix) {
		return nil
	}
	return in[len(prefix):]
}

// rotate adds delta mod 256 to each of the first min(200, len) bytes.
// Outbound uses delta=127, inbound delta=129; 127+129 ≡ 0 (mod 256),
// so applying both in sequence is the identity.
func rotate(in []byte, delta byte) []byte {
	n := len(in)
	if n > rotateWindow {
		n = rotateWindow
	}
	out := make([]byte, len(in))
	copy(out, in)
	for i := 0; i < n; i++ {
		out[i] = out[i] + delta
	}
	return out
}

func encodeBase64(in []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(in)))
	base64.StdEncoding.Encode(out, in)
	return out
}

func decodeBase64(in []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(in)))
	n, err := base64.StdEncoding.Decode(out, in)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
