// Package target decides whether an inbound command applies to this device.
package target

import (
	"strings"

	"github.com/livepush/agent/internal/protocol"
)

// Family collapses device variants of one OS into a single platform token:
// iphone and ipad both belong to ios. Other names are their own family.
func Family(osName string) string {
	switch strings.ToLower(osName) {
	case "iphone", "ipad", "ios":
		return "ios"
	}
	return osName
}

// Filter matches platform filters against one device.
type Filter struct {
	osName string
	family string
}

// New returns a Filter for a device reporting osName.
func New(osName string) Filter {
	return Filter{osName: osName, family: Family(osName)}
}

// OSName returns the raw OS name the filter was built for.
func (f Filter) OSName() string { return f.osName }

// Family returns the normalized platform family.
func (f Filter) Family() string { return f.family }

// IsTarget reports whether a message restricted to p applies to this device.
func (f Filter) IsTarget(p protocol.PlatformFilter) bool {
	if len(p) == 0 {
		return true
	}
	return p.Contains(f.osName) || p.Contains(f.family)
}
