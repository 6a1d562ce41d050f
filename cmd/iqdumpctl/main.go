package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codefionn/iqdump/internal/socketclient"
)

var (
	serverAddr     string
	timeout        time.Duration
	acknowledgeAll bool
	noColor        bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "iqdumpctl",
	Short: "Command line client for the iqdump diagnostic server",
	Long: `iqdumpctl sends single commands to a running iqdumpd and reports the result.

Fire-and-forget commands (setreg, shell, ate-init, ate) only report failures
when the server runs with acknowledge_all and --acknowledge-all is given here.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func init() {
	defaults := socketclient.DefaultConfig()
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", defaults.Addr, "Server address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall timeout per invocation")
	rootCmd.PersistentFlags().BoolVar(&acknowledgeAll, "acknowledge-all", false, "Wait for headers on fire-and-forget commands")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// withClient dials the server, runs fn and closes the connection
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *socketclient.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	cfg := socketclient.DefaultConfig()
	cfg.Addr = serverAddr
	cfg.AcknowledgeAll = acknowledgeAll

	client, err := socketclient.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func printOK(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("OK"), fmt.Sprintf(format, args...))
}

func printSent(cmd *cobra.Command, format string, args ...interface{}) {
	if acknowledgeAll {
		printOK(cmd, format, args...)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("SENT"), fmt.Sprintf(format, args...))
}
