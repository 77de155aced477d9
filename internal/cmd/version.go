package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print as JSON")
}

type versionReport struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Crucible  string `json:"crucible,omitempty"`
	Gofulmen  string `json:"gofulmen,omitempty"`
}

func currentVersion() versionReport {
	deps := crucible.GetVersion()
	return versionReport{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Crucible:  deps.Crucible,
		Gofulmen:  deps.Gofulmen,
	}
}

func printVersion(cmd *cobra.Command) error {
	v := currentVersion()
	out := cmd.OutOrStdout()
	if versionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	name := appName()
	_, _ = fmt.Fprintf(out, "%s %s\n", name, v.Version)
	_, _ = fmt.Fprintf(out, "  commit:   %s\n", v.Commit)
	_, _ = fmt.Fprintf(out, "  built:    %s\n", v.BuildDate)
	_, _ = fmt.Fprintf(out, "  go:       %s %s\n", v.GoVersion, v.Platform)
	if v.Crucible != "" {
		_, _ = fmt.Fprintf(out, "  crucible: v%s\n", v.Crucible)
	}
	if v.Gofulmen != "" {
		_, _ = fmt.Fprintf(out, "  gofulmen: v%s\n", v.Gofulmen)
	}
	return nil
}
