// Package pathguard canonicalizes inbound request paths and rejects any path
// that could reach a sensitive resource through encoding tricks.
//
// A caller can try to smuggle a protected path past route matching with
// repeated slashes ("////latest/meta-data/...") or layered percent-encoding
// ("%252e%252e"). Every request path is reduced to a canonical form before any
// routing decision is made.
package pathguard

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

// maxDecodeRounds bounds the percent-decode loop so a decode bomb cannot spin
// the handler.
const maxDecodeRounds = 10

// ErrDenied is returned for every rejected path. It deliberately carries no
// detail about why the path was rejected.
var ErrDenied = errors.New("permission denied")

// defaultSensitive are path substrings that must never be reachable through
// the proxy, regardless of case or encoding depth.
var defaultSensitive = []string{"user-data"}

// Guard authorizes raw request paths.
type Guard struct {
	sensitive []string
}

// New creates a Guard with the default sensitive resource list.
func New() *Guard {
	return &Guard{sensitive: defaultSensitive}
}

// NewWithSensitive creates a Guard that rejects canonical paths containing any
// of the given substrings.
func NewWithSensitive(sensitive []string) *Guard {
	return &Guard{sensitive: sensitive}
}

// Authorize canonicalizes rawPath and either returns the canonical form or
// ErrDenied. The canonical form is stable: authorizing it again returns it
// unchanged.
func (g *Guard) Authorize(rawPath string) (string, error) {
	decoded, err := canonicalize(rawPath)
	if err != nil {
		return "", ErrDenied
	}

	lower := strings.ToLower(decoded)
	for _, s := range g.sensitive {
		if strings.Contains(lower, strings.ToLower(s)) {
			return "", ErrDenied
		}
	}
	return decoded, nil
}

// canonicalize collapses slash runs, percent-decodes to a fixed point, and
// resolves dot segments against the root.
func canonicalize(rawPath string) (string, error) {
	p := collapseSlashes(rawPath)

	for round := 0; ; round++ {
		if round == maxDecodeRounds {
			return "", errors.New("decode rounds exhausted")
		}
		decoded, err := url.PathUnescape(p)
		if err != nil {
			return "", err
		}
		decoded = collapseSlashes(decoded)
		if decoded == p {
			break
		}
		p = decoded
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	// path.Clean resolves "." and ".." but eats the trailing slash, which is
	// load-bearing for list routes. Rooted Clean cannot escape "/".
	trailing := strings.HasSuffix(p, "/") && p != "/"
	p = path.Clean(p)
	if trailing && p != "/" {
		p += "/"
	}
	return p, nil
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}
