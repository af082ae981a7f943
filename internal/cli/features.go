package cli

import (
	"github.com/spf13/cobra"

	"github.com/linkguard/linkguard/internal/features"
	"github.com/linkguard/linkguard/internal/pipeline"
)

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features <url>",
		Short: "Print the feature vector of a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := pipeline.ValidateURL(args[0])
			if err != nil {
				return err
			}
			norm := features.Normalize(u)
			return printJSON(cmd, map[string]any{
				"url":        u,
				"normalized": norm,
				"domain":     features.Domain(norm),
				"features":   features.Extract(u),
			})
		},
	}
}
