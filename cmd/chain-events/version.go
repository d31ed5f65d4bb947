package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		rev, built := commit, date
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				switch {
				case s.Key == "vcs.revision" && rev == "":
					rev = s.Value
				case s.Key == "vcs.time" && built == "":
					built = s.Value
				}
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "chain-events %s (%s)", version, runtime.Version())
		if rev != "" {
			if len(rev) > 12 {
				rev = rev[:12]
			}
			fmt.Fprintf(out, " commit %s", rev)
		}
		if built != "" {
			fmt.Fprintf(out, " built %s", built)
		}
		fmt.Fprintln(out)
		return nil
	},
}
