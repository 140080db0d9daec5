package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/spf13/cobra"

	"fileindex/internal/descriptor"
	"fileindex/internal/dirty"
	"fileindex/internal/fileindex"
	"fileindex/internal/indexers"
)

type indexStatus struct {
	Index    string `json:"index"`
	Version  int    `json:"version"`
	Files    int    `json:"files"`
	Stamp    int64  `json:"stamp"`
	ReadOnly bool   `json:"readOnly"`
}

func newIndexCmd(logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [project]",
		Short: "Bring every index up to date",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, newLogger(cmd, logOut))
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			scope, err := e.scope(optionalArg(args))
			if err != nil {
				return err
			}
			if err := e.refresh(ctx, scope); err != nil {
				return err
			}

			var status []indexStatus
			for _, idx := range e.svc.Registry().All() {
				s, err := e.svc.GetIndexModificationStamp(ctx, idx.ID(), scope)
				if err != nil {
					return err
				}
				status = append(status, indexStatus{
					Index:    idx.ID(),
					Version:  idx.Version(),
					Files:    len(idx.IndexedFiles()),
					Stamp:    s,
					ReadOnly: idx.ReadOnly(),
				})
			}

			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return p.print(statusList(status))
		},
	}
	return cmd
}

type hit struct {
	Path   string `json:"path"`
	FileID uint32 `json:"fileId"`
	Value  string `json:"value,omitempty"`
}

func newQueryCmd(logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <index> <key>...",
		Short: "List files containing every key",
		Long:  "Query an index. With one key, each file's value is shown. With several keys, files containing all of them are listed.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project, _ := cmd.Flags().GetString("project")
			rescan, _ := cmd.Flags().GetBool("rescan")

			e, err := openEnv(ctx, cmd, newLogger(cmd, logOut))
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			scope, err := e.scope(project)
			if err != nil {
				return err
			}
			if rescan {
				if err := e.svc.Rescan(ctx); err != nil {
					return err
				}
			}

			hits, err := e.query(cmd, args[0], args[1:], scope)
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return p.print(hitList(hits))
		},
	}
	cmd.Flags().String("project", "", "restrict results to one project")
	cmd.Flags().Bool("rescan", true, "pick up file changes made since the last run")
	return cmd
}

func (e *env) query(cmd *cobra.Command, indexID string, keys []string, scope dirty.ProjectID) ([]hit, error) {
	ctx := cmd.Context()
	var hits []hit
	switch indexID {
	case indexers.WordsID:
		for i := range keys {
			keys[i] = strings.ToLower(keys[i])
		}
		if len(keys) == 1 {
			data, err := fileindex.GetData[string, int32](ctx, e.svc, indexID, keys[0], scope)
			if err != nil {
				return nil, err
			}
			for id, n := range data {
				hits = append(hits, hit{Path: e.path(id), FileID: id, Value: strconv.Itoa(int(n))})
			}
			break
		}
		files, err := fileindex.GetFilesWithAllKeys[string, int32](ctx, e.svc, indexID, keys, scope)
		if err != nil {
			return nil, err
		}
		hits = e.hits(files)

	case indexers.TrigramsID:
		trigrams := make([]int32, 0, len(keys))
		for _, k := range keys {
			t, err := indexers.ParseTrigram(k)
			if err != nil {
				return nil, err
			}
			trigrams = append(trigrams, t)
		}
		files, err := fileindex.GetFilesWithAllKeys[int32, descriptor.Void](ctx, e.svc, indexID, trigrams, scope)
		if err != nil {
			return nil, err
		}
		hits = e.hits(files)

	default:
		return nil, fmt.Errorf("%w: %q", indexers.ErrUnknownIndexer, indexID)
	}
	slices.SortFunc(hits, func(a, b hit) int { return strings.Compare(a.Path, b.Path) })
	return hits, nil
}

func (e *env) hits(files *roaring.Bitmap) []hit {
	out := make([]hit, 0, files.GetCardinality())
	files.Iterate(func(id uint32) bool {
		out = append(out, hit{Path: e.path(id), FileID: id})
		return true
	})
	return out
}

func newKeysCmd(logOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys <index>",
		Short: "List the keys of an index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project, _ := cmd.Flags().GetString("project")

			e, err := openEnv(ctx, cmd, newLogger(cmd, logOut))
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			scope, err := e.scope(project)
			if err != nil {
				return err
			}

			var keys []string
			switch args[0] {
			case indexers.WordsID:
				keys, err = fileindex.GetAllKeys[string, int32](ctx, e.svc, args[0], scope)
			case indexers.TrigramsID:
				var trigrams []int32
				trigrams, err = fileindex.GetAllKeys[int32, descriptor.Void](ctx, e.svc, args[0], scope)
				for _, t := range trigrams {
					keys = append(keys, indexers.TrigramString(t))
				}
			default:
				err = fmt.Errorf("%w: %q", indexers.ErrUnknownIndexer, args[0])
			}
			if err != nil {
				return err
			}
			slices.Sort(keys)

			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			return p.print(keyList(keys))
		},
	}
	cmd.Flags().String("project", "", "restrict keys to one project")
	return cmd
}

func newStampsCmd(logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stamps <path>",
		Short: "Show the indexed state of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, newLogger(cmd, logOut))
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			id, ok := e.table.Lookup(args[0])
			if !ok {
				return fmt.Errorf("file not known: %s", args[0])
			}
			content, err := e.content.Content(ctx, id)
			if err != nil {
				return err
			}
			var contentVersion uint64
			if content != nil {
				contentVersion = content.Version
			}

			states := make(map[string]string)
			for _, idxID := range e.svc.Registry().IDs() {
				states[idxID] = e.svc.Stamps().FileIndexedState(id, idxID, contentVersion).String()
			}
			project, _ := e.filter.FindProjectForFile(id)

			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			pairs := [][2]string{
				{"Path", e.path(id)},
				{"File ID", strconv.FormatUint(uint64(id), 10)},
				{"Project", string(project)},
				{"Exists", strconv.FormatBool(content != nil)},
				{"Dirty", strconv.FormatBool(e.svc.IsDirty(id))},
			}
			for _, idxID := range slices.Sorted(maps.Keys(states)) {
				pairs = append(pairs, [2]string{idxID, states[idxID]})
			}
			return p.detail(map[string]any{
				"path":    e.path(id),
				"fileId":  id,
				"project": project,
				"exists":  content != nil,
				"dirty":   e.svc.IsDirty(id),
				"indexes": states,
			}, pairs)
		},
	}
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
