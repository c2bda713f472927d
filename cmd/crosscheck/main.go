// Package main provides the crosscheck binary entry point.
// Crosscheck is a multi-tenant reasoning job service: an admission API that
// queues claim verification jobs onto a JetStream work queue, and a worker
// that scores each job through a six-stage LLM pipeline.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/ewoutbarendregt/crosscheck/llm/providers"
)

// Overridable at build time with -ldflags "-X main.Version=...".
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "crosscheck"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "crosscheck",
		Short: "Multi-tenant reasoning job service",
		Long: `Crosscheck verifies claims against evaluation criteria and supporting
documents. Submitted jobs pass per-tenant quota and global depth admission,
travel over a JetStream work queue, and are scored by a six-stage LLM
pipeline with schema-validated output at every stage.

The serve command runs the admission API; the work command runs the
reasoning worker. Both roles share one configuration file.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the admission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "work",
		Short: "Run the reasoning worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWork(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func setupLogging(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Crosscheck v" + Version + "                  ║")
	fmt.Println("║     Multi-Tenant Reasoning Job Service        ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
