package session

import (
	"fmt"
	"strings"
)

// DefaultPriority is the system priority applied when a credential set does
// not configure one.
const DefaultPriority = "NORMAL"

// Per-variant priority suffixes appended by the credential dispatcher. The
// X.509 variant uses the base priority unmodified.
const (
	priorityAnonSuffix = "+ANON-DH"
	priorityPSKSuffix  = "+ECDHE-PSK:+DHE-PSK:+PSK"
)

// priorityProfile is a parsed priority string: a cipher suite preference
// list plus the key exchange families the suffix enabled. pskDHE and
// pskKE mirror the TLS 1.3 psk_dhe_ke and psk_ke modes.
type priorityProfile struct {
	suites []uint16
	anonKX bool
	pskDHE bool
	pskKE  bool
}

var priorityBases = map[string][]uint16{
	"NORMAL": {
		SuiteAES128GCMSHA256,
		SuiteAES256GCMSHA384,
		SuiteChaCha20Poly1305SHA256,
	},
	"SECURE128": {
		SuiteAES128GCMSHA256,
		SuiteChaCha20Poly1305SHA256,
	},
	"SECURE256": {
		SuiteAES256GCMSHA384,
	},
}

var priorityCiphers = map[string]uint16{
	"AES-128-GCM":       SuiteAES128GCMSHA256,
	"AES-256-GCM":       SuiteAES256GCMSHA384,
	"CHACHA20-POLY1305": SuiteChaCha20Poly1305SHA256,
}

// parsePriority resolves a priority string of the form
// "<base>[:<+|-><token>...]" into a profile. The base names a predefined
// suite list; +/- tokens add or remove ciphers or enable key exchange
// families. Anything unrecognized is a hard error so that configuration
// typos fail session construction rather than silently weakening the
// negotiation.
func parsePriority(s string) (priorityProfile, error) {
	var p priorityProfile

	tokens := strings.Split(s, ":")
	base, ok := priorityBases[tokens[0]]
	if !ok {
		return p, fmt.Errorf("unknown priority base %q", tokens[0])
	}
	p.suites = append([]uint16(nil), base...)

	for _, tok := range tokens[1:] {
		if tok == "" {
			continue
		}
		if len(tok) < 2 || (tok[0] != '+' && tok[0] != '-') {
			return p, fmt.Errorf("malformed priority token %q", tok)
		}
		add, name := tok[0] == '+', tok[1:]

		if suite, ok := priorityCiphers[name]; ok {
			if add {
				p.suites = appendSuite(p.suites, suite)
			} else {
				p.suites = removeSuite(p.suites, suite)
			}
			continue
		}

		switch name {
		case "ANON-DH":
			p.anonKX = add
		case "ECDHE-PSK", "DHE-PSK":
			p.pskDHE = add
		case "PSK":
			p.pskKE = add
		default:
			return p, fmt.Errorf("unknown priority token %q", tok)
		}
	}

	if len(p.suites) == 0 {
		return p, fmt.Errorf("priority %q leaves no cipher suites enabled", s)
	}
	return p, nil
}

func appendSuite(suites []uint16, suite uint16) []uint16 {
	for _, s := range suites {
		if s == suite {
			return suites
		}
	}
	return append(suites, suite)
}

func removeSuite(suites []uint16, suite uint16) []uint16 {
	out := suites[:0]
	for _, s := range suites {
		if s != suite {
			out = append(out, s)
		}
	}
	return out
}
