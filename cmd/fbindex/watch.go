package main

import (
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fileindex/internal/scheduler"
	"fileindex/internal/vfs"
)

func newWatchCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep indexes up to date as files change",
		Long:  "Watch every project root, reindex changed files in the background and periodically flush and compact storage until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger(cmd, logOut)

			e, err := openEnv(ctx, cmd, logger)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			jobs, err := scheduler.FromConfig(e.cfg.Scheduler, logger)
			if err != nil {
				return err
			}
			sched, err := scheduler.New(logger)
			if err != nil {
				return err
			}
			defer func() { _ = sched.Stop() }()
			if err := scheduler.Wire(ctx, sched, e.svc, jobs); err != nil {
				return err
			}

			w, err := vfs.NewWatcher(e.table, e.filter, e.svc, logger)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(ctx) })
			g.Go(func() error {
				select {
				case <-w.Ready():
				case <-ctx.Done():
					return nil
				}
				// Changes made while nothing was watching.
				if err := e.svc.Rescan(ctx); err != nil {
					return err
				}
				sched.Start()
				for {
					select {
					case <-e.svc.Updated().C():
						logger.Debug("indexes updated", "files", e.table.Len())
					case <-ctx.Done():
						return nil
					}
				}
			})
			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("watch stopped")
			return nil
		},
	}
}
