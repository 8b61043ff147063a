// Package version holds build information injected with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version  = "dev"
	Revision = "unknown"
	Built    = "unknown"
)

// String renders the build information for `burrow version`.
func String() string {
	return fmt.Sprintf("Version:     %s\nGit hash:    %s\nBuilt:       %s\nGolang:      %s\nOS/Arch:     %s/%s\n",
		Version, Revision, Built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
