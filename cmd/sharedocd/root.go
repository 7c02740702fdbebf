package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ggoodman/sharedoc/internal/logctx"
)

const envPrefix = "SHAREDOC"

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "sharedocd",
		Short:         "sharedocd serves real-time collaborative documents",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			_, err := loadConfigFile(v)
			return err
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "path to a YAML, TOML or JSON config file")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("store", "memory", "document store: memory, sqlite or redis")
	pf.String("sqlite-path", "sharedoc.db", "database file for --store=sqlite")
	pf.String("redis-addr", "localhost:6379", "Redis address for the redis store and broker (REDIS_ADDR also works)")
	pf.String("redis-prefix", "sharedoc:", "key prefix for Redis-backed components")
	mustBind(v, pf, "config", "log-level", "log-format", "store", "sqlite-path", "redis-addr", "redis-prefix")

	cmd.AddCommand(
		newServeCommand(v),
		newFlushCommand(v),
		newStdioCommand(v),
		newSchemaCommand(),
	)
	return cmd
}

func mustBind(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	if err := bindFlags(v, flags, names...); err != nil {
		panic(err)
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) error {
	for _, name := range names {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("flag %q not found", name)
		}
		if err := v.BindPFlag(name, f); err != nil {
			return err
		}
	}
	return nil
}

// loadConfigFile reads --config when set. A missing explicit file is an
// error.
func loadConfigFile(v *viper.Viper) (string, error) {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch format := v.GetString("log-format"); format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
