package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/spf13/cobra"

	"fileindex/internal/descriptor"
	"fileindex/internal/dirty"
	"fileindex/internal/index"
	"fileindex/internal/indexers"
	"fileindex/internal/logging"
	"fileindex/internal/pack"
	"fileindex/internal/storage"
)

func newPackCmd(logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Build and query read-only index packs",
	}
	cmd.AddCommand(newPackBuildCmd(logOut), newPackQueryCmd(logOut))
	return cmd
}

func newPackBuildCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "build [archive]",
		Short: "Index every project and archive the indexes",
		Long:  "Bring every index up to date, then write the index storages into a zip archive. Without an archive path the pack is written to the home packs directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger(cmd, logOut)

			e, err := openEnv(ctx, cmd, logger)
			if err != nil {
				return err
			}
			if err := e.refresh(ctx, dirty.Unassigned); err != nil {
				_ = e.Close()
				return err
			}
			ids := e.svc.Registry().IDs()
			// Storage files are archived from disk, so everything must be
			// durable and released first.
			if err := e.Close(); err != nil {
				return err
			}

			dst := optionalArg(args)
			if dst == "" {
				dst = filepath.Join(e.home.PacksDir(), "fileindex-"+time.Now().UTC().Format("20060102T150405Z")+".zip")
			}
			entries := make([]pack.Entry, 0, len(ids))
			for _, id := range ids {
				entries = append(entries, pack.Entry{Name: id, Prefix: id, Dir: e.home.IndexDir(id)})
			}
			m, err := pack.Write(dst, entries)
			if err != nil {
				return err
			}
			logger.Info("pack written", "path", dst, "id", m.ID, "entries", len(m.Entries))

			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return p.detail(map[string]any{"path": dst, "manifest": m}, [][2]string{
				{"Path", dst},
				{"ID", m.ID.String()},
				{"Indexes", strings.Join(ids, ",")},
			})
		},
	}
}

type packHit struct {
	Owner    string `json:"owner"`
	Location string `json:"location"`
	FileID   uint32 `json:"fileId"`
	Value    string `json:"value,omitempty"`
}

func newPackQueryCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "query <index> <key> <archive>...",
		Short: "Look a key up across packs",
		Long:  "Attach each archive (or archive!/prefix, or index directory) and list the data every sub-index holds for key. File ids are local to each sub-index.",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd, logOut)
			indexID, key, paths := args[0], args[1], args[2:]

			var (
				hits []packHit
				err  error
			)
			switch indexID {
			case indexers.WordsID:
				hits, err = queryPacks(cmd.Context(), pack.Config[string, int32]{
					IndexID: indexID,
					Open:    readOnly(indexers.WordsConfig("", logger)),
					Logger:  logger,
				}, paths, strings.ToLower(key), func(n int32) string { return strconv.Itoa(int(n)) })
			case indexers.TrigramsID:
				t, perr := indexers.ParseTrigram(key)
				if perr != nil {
					return perr
				}
				hits, err = queryPacks(cmd.Context(), pack.Config[int32, descriptor.Void]{
					IndexID: indexID,
					Open:    readOnly(indexers.TrigramsConfig("", logger)),
					Logger:  logger,
				}, paths, t, func(descriptor.Void) string { return "" })
			default:
				err = fmt.Errorf("%w: %q", indexers.ErrUnknownIndexer, indexID)
			}
			if err != nil {
				return err
			}

			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return p.print(packHitList(hits))
		},
	}
}

// readOnly adapts a stock index config into a pack opener.
func readOnly[K comparable, V any](cfg index.Config[K, V, index.Content]) pack.Opener[K, V] {
	return func(src storage.Source) (index.Reader[K, V], error) {
		c := cfg
		c.Source = src
		x, err := index.New(c)
		if err != nil {
			return nil, err
		}
		return x, nil
	}
}

func queryPacks[K comparable, V any](ctx context.Context, cfg pack.Config[K, V], paths []string, key K, format func(V) string) ([]packHit, error) {
	p := pack.New(cfg)
	defer func() {
		if err := p.Dispose(); err != nil {
			logging.Default(cfg.Logger).Warn("dispose pack", "error", err)
		}
	}()
	for _, path := range paths {
		if err := p.Attach(ctx, path, path); err != nil {
			return nil, err
		}
	}

	results, err := p.GetData(ctx, key)
	if err != nil {
		return nil, err
	}
	var hits []packHit
	for _, r := range results {
		r.Data.ForEach(func(v V, files *roaring.Bitmap) bool {
			files.Iterate(func(id uint32) bool {
				hits = append(hits, packHit{Owner: r.Owner, Location: r.Location, FileID: id, Value: format(v)})
				return true
			})
			return true
		})
	}
	slices.SortFunc(hits, func(a, b packHit) int {
		if c := strings.Compare(a.Owner, b.Owner); c != 0 {
			return c
		}
		if c := strings.Compare(a.Location, b.Location); c != 0 {
			return c
		}
		return cmp.Compare(a.FileID, b.FileID)
	})
	return hits, nil
}
