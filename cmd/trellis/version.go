package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trellis " + buildVersion())
	},
}

// buildVersion derives the version from the embedded module info, so a
// binary installed with "go install ...@v1.2.3" reports its tag without
// any build flags. Dev builds fall back to the VCS revision when stamped.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	var revision string
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			revision = setting.Value
			if len(revision) > 7 {
				revision = revision[:7]
			}
		}
	}
	if revision != "" {
		return version + " (" + revision + ")"
	}
	return version
}
