package target

import (
	"testing"

	"github.com/livepush/agent/internal/protocol"
)

func TestFamily(t *testing.T) {
	tests := []struct {
		os   string
		want string
	}{
		{"iphone", "ios"},
		{"ipad", "ios"},
		{"android", "android"},
		{"linux", "linux"},
	}
	for _, tt := range tests {
		if got := Family(tt.os); got != tt.want {
			t.Errorf("Family(%q) = %q, want %q", tt.os, got, tt.want)
		}
	}
}

func TestIsTarget(t *testing.T) {
	tests := []struct {
		name   string
		os     string
		filter protocol.PlatformFilter
		want   bool
	}{
		{"iphone matches ios family", "iphone", protocol.PlatformFilter{"ios"}, true},
		{"ipad matches ios family", "ipad", protocol.PlatformFilter{"ios"}, true},
		{"iphone rejects android", "iphone", protocol.PlatformFilter{"android"}, false},
		{"ipad rejects android", "ipad", protocol.PlatformFilter{"android"}, false},
		{"absent filter matches iphone", "iphone", nil, true},
		{"absent filter matches android", "android", nil, true},
		{"raw os name", "ipad", protocol.PlatformFilter{"ipad"}, true},
		{"raw os name excludes sibling", "iphone", protocol.PlatformFilter{"ipad"}, false},
		{"android in list", "android", protocol.PlatformFilter{"ios", "android"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.os).IsTarget(tt.filter); got != tt.want {
				t.Errorf("IsTarget(%v) on %s = %v, want %v", tt.filter, tt.os, got, tt.want)
			}
		})
	}
}
