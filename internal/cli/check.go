package cli

import (
	"github.com/spf13/cobra"

	"github.com/linkguard/linkguard/internal/client"
	"github.com/linkguard/linkguard/internal/risk"
)

func newCheckCmd() *cobra.Command {
	var (
		download        bool
		failOnMalicious bool
	)
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Ask a running server to score a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getClientConfig(cmd)
			c := client.New(cfg.serverAddr, cfg.apiKey)

			var (
				out       map[string]any
				err       error
				malicious bool
			)
			if download {
				out, err = c.CheckDownload(cmd.Context(), args[0])
				malicious = err == nil && out["riskLevel"] == string(risk.LevelHigh)
			} else {
				out, err = c.Predict(cmd.Context(), args[0])
				malicious = err == nil && out["risk_label"] == string(risk.RiskMalicious)
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if failOnMalicious && malicious {
				return &ExitError{code: exitMalicious}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&download, "download", false, "Use /checkDownloadable instead of /predict")
	cmd.Flags().BoolVar(&failOnMalicious, "fail-on-malicious", false, "Exit with status 3 when the URL is malicious (high_risk for --download)")
	return cmd
}
