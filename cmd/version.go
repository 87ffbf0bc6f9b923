package cmd

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/killallgit/somleng/cmd.Version=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type buildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   "v" + Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the Somleng CLI release, the commit it was built from and the
Go toolchain and platform of this binary.`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolP("short", "s", false, "print just the version number")
}

func runVersion(cmd *cobra.Command, args []string) error {
	info := currentBuild()
	if short, _ := cmd.Flags().GetBool("short"); short {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), info.Version)
		return err
	}

	p, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	if done, err := p.structured(info); done {
		return err
	}

	fmt.Fprintln(p.out, "Somleng CLI")
	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", info.Version)
	fmt.Fprintf(w, "Git Commit:\t%s\n", info.GitCommit)
	fmt.Fprintf(w, "Build Time:\t%s\n", info.BuildTime)
	fmt.Fprintf(w, "Go Version:\t%s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform:\t%s\n", info.Platform)
	return w.Flush()
}
