// Command connexi-chat is a terminal rendition of the Connexi chat widget.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	mode        string
	dbPath      string
	serverURL   string
	intentsFile string
	debug       bool

	healthAddr    string
	healthService string
	healthTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "connexi-chat",
	Short: "Terminal chat widget for the Connexi assistant",
	Long: `connexi-chat runs the Connexi chat widget in a terminal.

In mock mode replies come from the built-in simulator and the connection is
simulated. In relay mode messages go to a connexi relay server and replies are
pushed back over a websocket.

Commands inside the chat:
  /reconnect  reconnect and reset the retry counter
  /focus      recover the connection as if the window regained focus
  /clear      dismiss the current error
  /status     print the connection state
  /quit       leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWidget(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the relay's gRPC health service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealth(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVar(&mode, "mode", modeMock, "Backend: mock or relay")
	rootCmd.Flags().StringVar(&dbPath, "db", "./data/widget.db", "Session database path (empty keeps the session in memory)")
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Relay base URL (relay mode)")
	rootCmd.Flags().StringVar(&intentsFile, "intents", "", "YAML intent catalog for the simulator (mock mode)")

	healthCmd.Flags().StringVar(&healthAddr, "addr", "localhost:9090", "Relay gRPC address")
	healthCmd.Flags().StringVar(&healthService, "service", "", "Health service name (empty checks the whole server)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "Probe timeout")

	rootCmd.AddCommand(healthCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
