package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/screamrouter/internal/buildinfo"
)

// version and buildDate are stamped at build time, e.g.:
//
//	go build -ldflags "-X main.version=v1.2.3 -X main.buildDate=2026-07-31"
var (
	version   = "dev"
	buildDate = "unknown"
)

// currentBuildInfo reports this binary's build-time metadata, independent
// of the user's loaded Settings.
func currentBuildInfo() *buildinfo.Context {
	systemID, err := os.Hostname()
	if err != nil {
		systemID = "unknown"
	}
	return &buildinfo.Context{Version: version, BuildDate: buildDate, SystemID: systemID}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the screamrouterd build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			bi := currentBuildInfo()
			fmt.Printf("screamrouterd %s (built %s, host %s)\n", bi.GetVersion(), bi.GetBuildDate(), bi.GetSystemID())
			return nil
		},
	}
}
