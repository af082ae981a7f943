package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linkguard/linkguard/internal/config"
	"github.com/linkguard/linkguard/internal/risk"
	"github.com/linkguard/linkguard/internal/server"
)

func newPredictCmd() *cobra.Command {
	var (
		configPath      string
		modelPath       string
		threshold       float64
		download        bool
		noVerify        bool
		failOnMalicious bool
	)

	cmd := &cobra.Command{
		Use:   "predict <url>",
		Short: "Score a URL locally with the configured model and backends",
		Long: `Score a URL in-process, without a running server.

Examples:
  # Classifier only
  linkguard predict --no-verify http://www.stock888.cn/

  # Download check with the configured backends
  linkguard predict --download https://example.org/setup.exe`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}
			if modelPath != "" {
				cfg.Model.Path = modelPath
			}
			if cmd.Flags().Changed("threshold") {
				if threshold < 0 || threshold > 1 {
					return fmt.Errorf("--threshold must be in [0,1]")
				}
				cfg.Pipeline.Threshold = threshold
			}
			if noVerify {
				cfg.Verification.URLBackends = []string{}
				cfg.Verification.DownloadBackends = []string{}
			}
			// Audit sinks belong to the server.
			cfg.Audit = config.AuditConfig{}

			logger, closeLog, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			comps, err := server.Build(cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			if download {
				v, err := comps.Service.CheckDownload(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd, v); err != nil {
					return err
				}
				if failOnMalicious && v.RiskLevel == risk.LevelHigh {
					return &ExitError{code: exitMalicious}
				}
				return nil
			}

			v, err := comps.Service.Predict(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, v); err != nil {
				return err
			}
			if failOnMalicious && v.RiskLabel == risk.RiskMalicious {
				return &ExitError{code: exitMalicious}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML")
	cmd.Flags().StringVar(&modelPath, "model", "", "Override model.path")
	cmd.Flags().Float64Var(&threshold, "threshold", risk.DefaultThreshold, "Override pipeline.threshold")
	cmd.Flags().BoolVar(&download, "download", false, "Run the download check instead of the URL prediction")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip backend verification")
	cmd.Flags().BoolVar(&failOnMalicious, "fail-on-malicious", false, "Exit with status 3 when the URL is malicious (high_risk for --download)")
	return cmd
}
