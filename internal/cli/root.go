package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "linkguard",
		Short:         "linkguard: malicious URL risk scoring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("linkguard {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.serverAddr, "server", getenvDefault("LINKGUARD_SERVER", "http://127.0.0.1:5000"), "linkguard server base URL")
	cmd.PersistentFlags().StringVar(&cfg.apiKey, "api-key", getenvDefault("LINKGUARD_API_KEY", ""), "API key (sent as X-API-Key)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPredictCmd())
	cmd.AddCommand(newFeaturesCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

type clientConfig struct {
	serverAddr string
	apiKey     string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:5000"
	}
	return &clientConfig{serverAddr: serverAddr, apiKey: apiKey}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
