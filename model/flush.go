package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FlushReport summarizes a FlushUncommitted run.
type FlushReport struct {
	Docs   int
	Ops    int64
	Failed []string
}

// FlushUncommitted rewrites the snapshot of every stored document whose op
// log runs past its snapshot. It is meant for maintenance after a process
// exited without committing.
func (m *Model) FlushUncommitted(ctx context.Context) (FlushReport, error) {
	var report FlushReport

	names, err := m.store.ListUncommitted(ctx)
	if err != nil {
		return report, fmt.Errorf("list uncommitted documents: %w", err)
	}

	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ops, err := m.flushOne(ctx, name)
		if err != nil {
			report.Failed = append(report.Failed, name)
			errs = append(errs, err)
			m.log.ErrorContext(ctx, "model.flush_failed", slog.String("doc", name), slog.String("err", err.Error()))
			continue
		}
		report.Docs++
		report.Ops += ops
		m.log.InfoContext(ctx, "model.flush", slog.String("doc", name), slog.Int64("ops", ops))
	}
	return report, errors.Join(errs...)
}

func (m *Model) flushOne(ctx context.Context, name string) (int64, error) {
	d, err := m.load(ctx, name)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := m.catchUp(ctx, d); err != nil {
		return 0, err
	}
	ops := d.v - d.committedV
	if err := m.commit(ctx, d); err != nil {
		return 0, err
	}
	return ops, nil
}
