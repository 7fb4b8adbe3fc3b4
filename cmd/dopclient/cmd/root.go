// Package cmd holds the dopclient commands.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lightforgemedia/go-dopclient/pkg/broker"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/nats"
	"github.com/lightforgemedia/go-dopclient/pkg/broker/ws"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
)

var (
	configFile    string
	logLevel      string
	logFormat     string
	transportName string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "dopclient",
	Short:         "DOP client console",
	Long:          `dopclient starts DOP sessions, sends imperatives and prints the pushes the backend answers with.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")
	rootCmd.PersistentFlags().StringVar(&transportName, "transport", "nats", "broker transport (nats, ws)")

	rootCmd.PersistentFlags().String("broker-host", "", "broker host")
	rootCmd.PersistentFlags().Int("broker-port", 0, "broker port")
	rootCmd.PersistentFlags().String("gateway-host", "", "gateway host")
	rootCmd.PersistentFlags().Int("gateway-port", 0, "gateway port")
	rootCmd.PersistentFlags().String("token-file", "", "file holding the gateway token; reloaded when it changes")
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// RootCmd returns the root command for tests.
func RootCmd() *cobra.Command {
	return rootCmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					a.Value = slog.StringValue(fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
				}
			}
			return a
		},
	}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// loadConfig reads the client configuration from the config file, the
// DOP_* environment and the connection flags, flags winning.
func loadConfig(cmd *cobra.Command) (*config.ClientConfig, *viper.Viper, error) {
	v := config.NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	for key, flag := range map[string]string{
		"broker.host":     "broker-host",
		"broker.port":     "broker-port",
		"gateway.host":    "gateway-host",
		"gateway.port":    "gateway-port",
		"auth.token_file": "token-file",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, err
			}
		}
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, v, nil
}

func newTransport(name string) (broker.Transport, error) {
	switch name {
	case "nats":
		return nats.New(nats.WithLogger(logger)), nil
	case "ws":
		return ws.New(ws.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
