// gridscan partitions parameter grids into SGE array jobs and collects
// their results.
package main

import (
	"os"

	"github.com/rescale/gridscan/internal/cli"
	"github.com/rescale/gridscan/internal/version"
)

// Version information, overridden by ldflags.
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
