package ratelimit

import (
	"fmt"
	"net/netip"
	"strings"
)

// Allowlist is a fixed set of client addresses. Entries may be single
// addresses or CIDR prefixes.
type Allowlist struct {
	addrs    map[string]struct{}
	prefixes []netip.Prefix
}

// NewAllowlist builds an allowlist. Blank entries are ignored; entries that are
// neither an address nor a prefix are matched literally.
func NewAllowlist(entries ...string) Allowlist {
	a := Allowlist{addrs: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			if p, err := netip.ParsePrefix(e); err == nil {
				a.prefixes = append(a.prefixes, p.Masked())
				continue
			}
		}
		a.addrs[e] = struct{}{}
	}
	return a
}

// Len returns the number of entries
func (a Allowlist) Len() int {
	return len(a.addrs) + len(a.prefixes)
}

// Contains reports whether clientID is allowed
func (a Allowlist) Contains(clientID string) bool {
	if _, ok := a.addrs[clientID]; ok {
		return true
	}
	if len(a.prefixes) == 0 {
		return false
	}

	addr, err := netip.ParseAddr(clientID)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// CheckAllowlist returns an error wrapping ErrAccessDenied when clientID is not
// in allowed. It touches no state.
func CheckAllowlist(clientID string, allowed Allowlist) error {
	if allowed.Contains(clientID) {
		return nil
	}
	return fmt.Errorf("%w: IP not in whitelist: %s", ErrAccessDenied, clientID)
}
