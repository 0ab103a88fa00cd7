package cli

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	versionFull bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "print detailed version information")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print version information. Use --full for commit, build date, Go version and dependencies.`,
	Run: func(cmd *cobra.Command, args []string) {
		writeVersion(cmd.OutOrStdout(), versionFull)
	},
}

func writeVersion(w io.Writer, full bool) {
	fmt.Fprintf(w, "safnode version %s\n", version)
	if !full {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Commit:     %s\n", buildSetting(commit, "vcs.revision"))
	fmt.Fprintf(w, "  Built:      %s\n", buildSetting(buildDate, "vcs.time"))
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Dependencies:")
	for _, dep := range info.Deps {
		if dep.Replace != nil {
			fmt.Fprintf(w, "    %s => %s %s\n", dep.Path, dep.Replace.Path, dep.Replace.Version)
		} else {
			fmt.Fprintf(w, "    %s %s\n", dep.Path, dep.Version)
		}
	}
}

// buildSetting prefers the ldflags value and falls back to the VCS stamp
// the Go toolchain embeds.
func buildSetting(ldflag, key string) string {
	if ldflag != "unknown" {
		return ldflag
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, setting := range info.Settings {
		if setting.Key != key {
			continue
		}
		if key == "vcs.revision" && len(setting.Value) > 8 {
			return setting.Value[:8]
		}
		return setting.Value
	}
	return "unknown"
}
