package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/internal/observability"
	"github.com/3leaps/tunedispatch/pkg/connector"
)

var (
	connectorsVerify  bool
	connectorsTimeout time.Duration
)

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "List connector kinds and configured profiles",
	Long: `List the built-in connector kinds with their capabilities and required
credentials, followed by the connector profiles found in the configuration.

With --verify every configured profile is connected and makes one
authenticated call to its provider.

Examples:
  tunedispatch connectors
  tunedispatch connectors --verify`,
	RunE: runConnectors,
}

func init() {
	rootCmd.AddCommand(connectorsCmd)
	connectorsCmd.Flags().BoolVar(&connectorsVerify, "verify", false, "Connect each configured profile and verify credentials")
	connectorsCmd.Flags().DurationVar(&connectorsTimeout, "timeout", 30*time.Second, "Per-profile verification timeout")
}

func runConnectors(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KIND\tCAPABILITIES\tCREDENTIALS")
	for _, kind := range connector.Kinds {
		c, err := connector.New(connector.Config{Kind: kind})
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid connector kind", err)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", kind, c.Capabilities(), strings.Join(c.RequiredCredentials(), ","))
	}
	_ = tw.Flush()

	cfg, err := loadConfig(ctx, cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	specs := profileSpecs(cfg)
	if len(specs) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo connector profiles configured.")
		return nil
	}

	_, _ = fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := "PROFILE\tKIND\tMISSING"
	if connectorsVerify {
		header += "\tSTATUS"
	}
	_, _ = fmt.Fprintln(tw, header)

	failed := 0
	for _, spec := range specs {
		c, err := newConnector(cfg, spec, buildDeps{Logger: observability.CLILogger})
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(tw, "%s\t%s\t-\tinvalid: %v\n", spec.Name, spec.Kind, err)
			continue
		}
		var missing []string
		for _, key := range c.RequiredCredentials() {
			if spec.Credentials.Get(key) == "" {
				missing = append(missing, key)
			}
		}
		missingCol := "-"
		if len(missing) > 0 {
			missingCol = strings.Join(missing, ",")
		}
		if !connectorsVerify {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Name, spec.Kind, missingCol)
			continue
		}
		status := "ok"
		if err := verifyProfile(ctx, c, spec); err != nil {
			failed++
			status = "failed: " + err.Error()
			observability.CLILogger.Debug("Profile verification failed",
				zap.String("profile", spec.Name),
				zap.Error(err))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", spec.Name, spec.Kind, missingCol, status)
	}
	_ = tw.Flush()

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Connector verification failed",
			fmt.Errorf("%d of %d profiles failed", failed, len(specs)))
	}
	return nil
}

func verifyProfile(ctx context.Context, c *connector.Connector, spec connectorSpec) error {
	vctx, cancel := context.WithTimeout(ctx, connectorsTimeout)
	defer cancel()
	if err := c.Connect(vctx, spec.Credentials); err != nil {
		return err
	}
	defer func() { _ = c.Disconnect(context.Background()) }()
	return c.VerifyConnection(vctx)
}
