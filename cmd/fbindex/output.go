package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fileindex/internal/config"
)

// Output formats accepted by --output.
const (
	formatTable = "table"
	formatJSON  = "json"
	// formatPaths prints the first column only, one line per row, so query
	// results can be piped into other tools.
	formatPaths = "paths"
)

// listing is a command result with a tabular text form. JSON output encodes
// the listing value itself. A nil header suppresses the header line.
type listing interface {
	header() []string
	rows() [][]string
}

// printer renders command results in the --output format.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(cmd *cobra.Command) (*printer, error) {
	format, _ := cmd.Flags().GetString("output")
	switch format {
	case formatTable, formatJSON, formatPaths:
	default:
		return nil, fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, formatTable, formatJSON, formatPaths)
	}
	return &printer{format: format, w: cmd.OutOrStdout()}, nil
}

// print renders a listing.
func (p *printer) print(l listing) error {
	switch p.format {
	case formatJSON:
		return p.json(l)
	case formatPaths:
		for _, row := range l.rows() {
			if len(row) > 0 {
				if _, err := fmt.Fprintln(p.w, row[0]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	if h := l.header(); len(h) > 0 {
		_, _ = fmt.Fprintln(tw, strings.Join(h, "\t"))
	}
	for _, row := range l.rows() {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// detail renders one record. JSON output encodes v; text output prints
// fields as "name: value" lines, and paths output the first field's value.
func (p *printer) detail(v any, fields [][2]string) error {
	switch p.format {
	case formatJSON:
		return p.json(v)
	case formatPaths:
		if len(fields) > 0 {
			_, err := fmt.Fprintln(p.w, fields[0][1])
			return err
		}
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, f := range fields {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", f[0], f[1])
	}
	return tw.Flush()
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statusList []indexStatus

func (statusList) header() []string { return []string{"INDEX", "VERSION", "FILES", "STAMP", "MODE"} }

func (l statusList) rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, s := range l {
		mode := "rw"
		if s.ReadOnly {
			mode = "ro"
		}
		rows = append(rows, []string{s.Index, strconv.Itoa(s.Version), strconv.Itoa(s.Files), strconv.FormatInt(s.Stamp, 10), mode})
	}
	return rows
}

// hitList drops the VALUE column when no hit carries a value, as for
// multi-key and trigram queries.
type hitList []hit

func (l hitList) valued() bool {
	return slices.ContainsFunc(l, func(h hit) bool { return h.Value != "" })
}

func (l hitList) header() []string {
	if l.valued() {
		return []string{"PATH", "VALUE"}
	}
	return []string{"PATH"}
}

func (l hitList) rows() [][]string {
	valued := l.valued()
	rows := make([][]string, 0, len(l))
	for _, h := range l {
		if valued {
			rows = append(rows, []string{h.Path, h.Value})
		} else {
			rows = append(rows, []string{h.Path})
		}
	}
	return rows
}

type keyList []string

func (keyList) header() []string { return nil }

func (l keyList) rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, k := range l {
		rows = append(rows, []string{k})
	}
	return rows
}

type packHitList []packHit

func (packHitList) header() []string { return []string{"LOCATION", "FILE", "VALUE"} }

func (l packHitList) rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, h := range l {
		rows = append(rows, []string{h.Location, strconv.FormatUint(uint64(h.FileID), 10), h.Value})
	}
	return rows
}

type projectList []config.ProjectConfig

func (projectList) header() []string { return []string{"NAME", "ROOTS", "INCLUDE", "EXCLUDE"} }

func (l projectList) rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, pr := range l {
		include := strings.Join(pr.Include, ",")
		if include == "" {
			include = "**"
		}
		rows = append(rows, []string{pr.Name, strings.Join(pr.Roots, ","), include, strings.Join(pr.Exclude, ",")})
	}
	return rows
}
