package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bmad-assist/loopd/internal/loop"
)

// ProjectsFileName holds the persisted record set inside the config dir.
// The format matches the original dashboard's projects.yaml.
const ProjectsFileName = "projects.yaml"

type persistedProject struct {
	UUID        string `yaml:"uuid"`
	Path        string `yaml:"path"`
	DisplayName string `yaml:"display_name"`
	LastSeen    string `yaml:"last_seen,omitempty"`
	LastStatus  string `yaml:"last_status,omitempty"`
}

type projectsFile struct {
	Projects []persistedProject `yaml:"projects"`
}

func (r *Registry) projectsPath() string {
	return filepath.Join(r.opts.ConfigDir, ProjectsFileName)
}

// loadProjects restores persisted records. Runtime-only state (process
// handle, loop state, logs) is never persisted, so restored records start
// IDLE with only identity, last-seen and last-status carried over.
func (r *Registry) loadProjects() {
	data, err := os.ReadFile(r.projectsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read projects file", "path", r.projectsPath(), "error", err)
		}
		return
	}
	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		slog.Error("failed to parse projects file", "path", r.projectsPath(), "error", err)
		return
	}
	for _, p := range pf.Projects {
		if p.UUID == "" || p.Path == "" {
			slog.Error("skipping malformed project entry", "entry", p)
			continue
		}
		name := p.DisplayName
		if name == "" {
			name = filepath.Base(p.Path)
		}
		rec := loop.NewRecord(p.UUID, p.Path, name, r.opts.LogBufferSize)
		if p.LastStatus != "" {
			rec.SetLastStatus(loop.Status(p.LastStatus))
		}
		if t, err := time.Parse(time.RFC3339, p.LastSeen); err == nil {
			rec.SetLastSeen(t)
		}
		r.records[rec.ID()] = rec
	}
	slog.Info("loaded projects from registry", "count", len(r.records))
}

// saveLocked persists the record set. Callers hold the registry mutex (read
// or write). Persistence failures are logged, never raised; in-memory state
// stays authoritative.
func (r *Registry) saveLocked() {
	pf := projectsFile{Projects: make([]persistedProject, 0, len(r.records))}
	for _, rec := range r.records {
		pf.Projects = append(pf.Projects, persistedProject{
			UUID:        rec.ID(),
			Path:        rec.RootPath(),
			DisplayName: rec.DisplayName(),
			LastSeen:    rec.LastSeen().Format(time.RFC3339),
			LastStatus:  string(rec.LastStatus()),
		})
	}
	sort.Slice(pf.Projects, func(i, j int) bool { return pf.Projects[i].UUID < pf.Projects[j].UUID })
	data, err := yaml.Marshal(&pf)
	if err != nil {
		slog.Error("failed to marshal projects", "error", err)
		return
	}
	if err := os.WriteFile(r.projectsPath(), data, 0o600); err != nil {
		slog.Error("failed to save projects", "path", r.projectsPath(), "error", err)
		return
	}
	slog.Debug("saved projects", "count", len(pf.Projects))
}
