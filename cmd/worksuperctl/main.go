// Command worksuperctl is the operator CLI for the worker supervisor: one
// long-running "serve" process hosts a Supervisor and its HTTP control
// surface, and every other subcommand is a thin client against that server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	Addr     string
	LogLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "worksuperctl",
		Short: "Worker supervisor control CLI",
	}
	cmd.SilenceUsage = true
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", envOrDefault("WORKSUPER_ADDR", "http://127.0.0.1:8761"), "Control server address")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", envOrDefault("WORKSUPER_LOG_LEVEL", "info"), "Log level: debug|info|warn|error")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStartCmd(opts))
	cmd.AddCommand(newStopCmd(opts))
	cmd.AddCommand(newSubmitCmd(opts))
	cmd.AddCommand(newCancelCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newListCmd(opts))
	cmd.AddCommand(newResetBreakerCmd(opts))

	return cmd
}

func newLogger(level string) *slog.Logger {
	logLevel := new(slog.LevelVar)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
