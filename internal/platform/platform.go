// Package platform tags workers with the operating system they run on so
// file-system paths sent to them use the right separators.
package platform

import (
	"strings"
)

type Platform string

const (
	Posix   Platform = "posix"
	Windows Platform = "windows"
)

// Parse maps an OS name reported by a worker ("nt", "posix", "windows",
// "linux", "darwin") onto a Platform. Unknown names are treated as posix.
func Parse(os string) Platform {
	switch strings.ToLower(strings.TrimSpace(os)) {
	case "nt", "windows", "win32":
		return Windows
	default:
		return Posix
	}
}

func (p Platform) String() string {
	if p == "" {
		return string(Posix)
	}
	return string(p)
}

// EncodePath rewrites separators in path for the given platform.
func EncodePath(path string, p Platform) string {
	if p == Windows {
		return strings.ReplaceAll(path, "/", `\`)
	}
	return strings.ReplaceAll(path, `\`, "/")
}
