package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var raw string

// Get returns the release version the binaries were built from.
func Get() string {
	return strings.TrimSpace(raw)
}
