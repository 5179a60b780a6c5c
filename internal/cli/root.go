// Package cli implements the capclaw command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/capclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ___ __ _ _ __   ___| | __ ___      __\n" +
		"  / __/ _` | '_ \\ / __| |/ _` \\ \\ /\\ / /\n" +
		" | (_| (_| | |_) | (__| | (_| |\\ V  V /\n" +
		"  \\___\\__,_| .__/ \\___|_|\\__,_| \\_/\\_/\n" +
		"           |_|\n"

	verbose   bool
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "capclaw",
	Short: "capclaw - capability-driven personal assistant",
	Long:  color.CyanString(logo) + "\nA chat assistant with pluggable capabilities, tools and scheduled workflows.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose, logFormat)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", os.Getenv("CAPCLAW_LOG_FORMAT"), "Log format: text or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(integrationsCmd)
}

func setupLogging(verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("capclaw version")
		fmt.Printf("Version: %s\n", version)
	},
}
