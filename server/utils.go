// Generic data manipulation utilities.

package main

import (
	"net"
	"net/netip"

	"github.com/rivo/uniseg"
)

// previewText returns a prefix of the string at most maxLength user-visible
// characters long. Counts grapheme clusters, not bytes, so emoji and
// combining marks are never cut in half.
func previewText(str string, maxLength int) string {
	if maxLength <= 0 {
		return ""
	}

	count := 0
	end := 0
	for state, remaining, cluster := -1, str, ""; len(remaining) > 0; {
		cluster, remaining, _, state = uniseg.StepString(remaining, state)
		count++
		end += len(cluster)
		if count == maxLength {
			break
		}
	}
	return str[:end]
}

// isRoutableIP checks if the given string is a routable public IP address,
// optionally with a port.
func isRoutableIP(addrPort string) bool {
	if addrPort == "" {
		return false
	}

	host := addrPort
	if h, _, err := net.SplitHostPort(addrPort); err == nil {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}

	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}
