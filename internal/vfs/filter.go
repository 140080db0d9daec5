package vfs

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"fileindex/internal/config"
	"fileindex/internal/dirty"
)

type project struct {
	name    dirty.ProjectID
	roots   []string
	include []string
	exclude []string
}

// ProjectFilter assigns files to the configured projects.
type ProjectFilter struct {
	table    *PathTable
	projects []project
}

func NewProjectFilter(table *PathTable, projects []config.ProjectConfig) *ProjectFilter {
	f := &ProjectFilter{table: table}
	for _, p := range projects {
		pr := project{name: dirty.ProjectID(p.Name), include: p.Include, exclude: p.Exclude}
		for _, r := range p.Roots {
			pr.roots = append(pr.roots, canonical(r))
		}
		if len(pr.include) == 0 {
			pr.include = []string{"**"}
		}
		f.projects = append(f.projects, pr)
	}
	return f
}

// FindProjectForFile returns the project fileID belongs to.
func (f *ProjectFilter) FindProjectForFile(fileID uint32) (dirty.ProjectID, bool) {
	p, err := f.table.Path(fileID)
	if err != nil {
		return dirty.Unassigned, false
	}
	return f.Match(p)
}

// Match returns the first project containing the path p.
func (f *ProjectFilter) Match(p string) (dirty.ProjectID, bool) {
	p = canonical(p)
	for _, pr := range f.projects {
		for _, root := range pr.roots {
			rel, ok := relative(root, p)
			if ok && pr.matches(rel) {
				return pr.name, true
			}
		}
	}
	return dirty.Unassigned, false
}

// Projects returns the configured project names.
func (f *ProjectFilter) Projects() []dirty.ProjectID {
	out := make([]dirty.ProjectID, len(f.projects))
	for i, pr := range f.projects {
		out[i] = pr.name
	}
	return out
}

// Roots returns every configured root directory.
func (f *ProjectFilter) Roots() []string {
	var out []string
	for _, pr := range f.projects {
		out = append(out, pr.roots...)
	}
	return out
}

// ProjectFiles walks p's roots and returns the ids of the files that
// belong to p, assigning ids to new paths.
func (f *ProjectFilter) ProjectFiles(ctx context.Context, p dirty.ProjectID) ([]uint32, error) {
	var out []uint32
	for _, pr := range f.projects {
		if pr.name != p {
			continue
		}
		for _, root := range pr.roots {
			err := filepath.WalkDir(filepath.FromSlash(root), func(native string, d fs.DirEntry, err error) error {
				if err != nil {
					// Unreadable entries are skipped; a missing root yields no files.
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				rel, _ := relative(root, filepath.ToSlash(native))
				if d.IsDir() {
					if rel != "." && pr.excluded(rel) {
						return filepath.SkipDir
					}
					return nil
				}
				if !d.Type().IsRegular() {
					return nil
				}
				// A file under an earlier project's root belongs to that project.
				if owner, ok := f.Match(native); !ok || owner != p {
					return nil
				}
				id, err := f.table.ID(native)
				if err != nil {
					return err
				}
				out = append(out, id)
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (pr project) matches(rel string) bool {
	if pr.excluded(rel) {
		return false
	}
	for _, pat := range pr.include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func (pr project) excluded(rel string) bool {
	for _, pat := range pr.exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// relative returns p relative to root, both slash-separated, if p is under root.
func relative(root, p string) (string, bool) {
	if p == root {
		return ".", true
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return path.Clean(strings.TrimPrefix(p, prefix)), true
}
