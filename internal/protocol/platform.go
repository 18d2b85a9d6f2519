package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
)

// PlatformFilter restricts a message to a set of platforms. A nil filter
// matches every platform. On the wire it is either a single string or a
// list of strings.
type PlatformFilter []string

// UnmarshalJSON accepts "ios", ["ios","android"] or null.
func (p *PlatformFilter) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*p = nil
		} else {
			*p = PlatformFilter{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("platform must be a string or a list of strings: %w", err)
	}
	*p = PlatformFilter(list)
	return nil
}

// Contains reports whether name is listed in the filter.
func (p PlatformFilter) Contains(name string) bool {
	return slices.Contains(p, name)
}
