// Command fbindex maintains file-based indexes over configured projects
// and answers queries against them.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"fileindex/internal/home"
	"fileindex/internal/logging"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "fbindex",
		Short:        "Incremental file-based indexes",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "log as JSON instead of text")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json or paths")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(
		newProjectCmd(),
		newIndexCmd(logOut),
		newQueryCmd(logOut),
		newKeysCmd(logOut),
		newStampsCmd(logOut),
		newWatchCmd(logOut),
		newPackCmd(logOut),
		versionCmd,
	)
	return rootCmd
}

// newLogger builds the base logger from the persistent flags.
func newLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(levelName)}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	if v, _ := cmd.Flags().GetString("home"); v != "" {
		return home.New(v), nil
	}
	return home.Default()
}
