package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"cronkeeper/internal/client"
)

var version = "dev"

const defaultServer = "http://127.0.0.1:7070"

var (
	serverURL  string
	authToken  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "cronkeeperctl",
	Short:         "Manage scheduled tasks on a cronkeeperd instance",
	Long:          `cronkeeperctl talks to the cronkeeperd HTTP API to list, create and trigger scheduled tasks and inspect their run history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("cronkeeperctl version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CRONKEEPER_SERVER", defaultServer), "cronkeeperd base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("CRONKEEPER_AUTH_TOKEN"), "API bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	return client.New(serverURL, authToken)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
