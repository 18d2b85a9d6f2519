package host

import (
	"runtime"

	gohost "github.com/shirou/gopsutil/v3/host"
)

// Identity is what the device reports about itself on join.
type Identity struct {
	OSName    string
	OSVersion string
}

// DetectIdentity fills the fields of override that are empty from the
// running system.
func DetectIdentity(override Identity) Identity {
	id := override
	if id.OSName != "" && id.OSVersion != "" {
		return id
	}
	info, err := gohost.Info()
	if err != nil || info == nil {
		if id.OSName == "" {
			id.OSName = runtime.GOOS
		}
		return id
	}
	if id.OSName == "" {
		id.OSName = info.OS
		if id.OSName == "" {
			id.OSName = runtime.GOOS
		}
	}
	if id.OSVersion == "" {
		id.OSVersion = info.PlatformVersion
		if id.OSVersion == "" {
			id.OSVersion = info.KernelVersion
		}
	}
	return id
}
