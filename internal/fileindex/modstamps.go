package fileindex

import (
	"sync"
	"time"

	"fileindex/internal/dirty"
)

// modStamps tracks per-project modification stamps. A project's stamp is
// the index base plus the project's own counter. Changes not attributable
// to a project (wipes, rebuilds) move the base and thus every project.
type modStamps struct {
	mu       sync.Mutex
	base     map[string]int64
	projects map[string]map[dirty.ProjectID]int64
}

func (m *modStamps) seed(indexID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base == nil {
		m.base = make(map[string]int64)
		m.projects = make(map[string]map[dirty.ProjectID]int64)
	}
	if _, ok := m.base[indexID]; !ok {
		m.base[indexID] = time.Now().UnixNano()
		m.projects[indexID] = make(map[dirty.ProjectID]int64)
	}
}

// bump records a change of indexID's data for p. Unassigned moves the base.
func (m *modStamps) bump(indexID string, p dirty.ProjectID) {
	m.seed(indexID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == dirty.Unassigned {
		m.base[indexID]++
		return
	}
	m.projects[indexID][p]++
}

func (m *modStamps) get(indexID string, p dirty.ProjectID) int64 {
	m.seed(indexID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base[indexID] + m.projects[indexID][p]
}
