package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ggoodman/sharedoc/model"
)

func newFlushCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Write snapshots for documents whose op log runs past their snapshot",
		Long: `flush replays the uncommitted ops of every stored document and writes a
fresh snapshot. Run it after a server exited without committing its cache.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v, os.Stderr)
			if err != nil {
				return err
			}
			return runFlush(cmd.Context(), v, logger, cmd.OutOrStdout())
		},
	}
}

func runFlush(ctx context.Context, v *viper.Viper, logger *slog.Logger, out io.Writer) error {
	store, err := openStore(v)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := model.New(store, model.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close(context.WithoutCancel(ctx))

	started := time.Now()
	report, err := m.FlushUncommitted(ctx)
	fmt.Fprintf(out, "flushed %s ops into %s documents in %s\n",
		humanize.Comma(report.Ops),
		humanize.Comma(int64(report.Docs)),
		time.Since(started).Round(time.Millisecond),
	)
	for _, name := range report.Failed {
		fmt.Fprintf(out, "failed: %s\n", name)
	}
	return err
}
