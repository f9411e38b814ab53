// Command agentctl drives runs on an orchestrator from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/xiaot623/agentrun/internal/client"
)

var (
	serverURL string
	projectID string
	outFormat string
)

var rootCmd = &cobra.Command{
	Use:           "agentctl",
	Short:         "Start, watch and steer orchestrator runs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr("AGENTRUN_URL", "http://localhost:8080"), "orchestrator base URL")
	flags.StringVar(&projectID, "project", envOr("AGENTRUN_PROJECT", "default"), "scope project id")
	flags.StringVar(&outFormat, "format", "table", "output format: table or json")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newResultCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newApprovalsCmd())
	rootCmd.AddCommand(newDecideCmd("approve"))
	rootCmd.AddCommand(newDecideCmd("reject"))
	rootCmd.AddCommand(newDecideCmd("edit"))
	rootCmd.AddCommand(newTimelineCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.NewClient(serverURL)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
