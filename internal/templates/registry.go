package templates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Registry maintains an in-memory catalogue of workflow templates loaded from
// one directory. Templates are keyed by file name relative to the directory.
type Registry struct {
	root      string
	mu        sync.RWMutex
	templates map[string]Entry
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry constructs an empty registry over root.
func NewRegistry(root string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{root: root, templates: make(map[string]Entry), logger: logger, now: time.Now}
}

// Root returns the template directory.
func (r *Registry) Root() string { return r.root }

// LoadDirectory replaces the registry contents with every template under the
// directory. Files that fail to load are skipped and reported together in a
// LoadError; the rest stay available.
func (r *Registry) LoadDirectory() error {
	info, err := os.Stat(r.root)
	if err != nil {
		return fmt.Errorf("stat template directory %s: %w", r.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template path %s is not a directory", r.root)
	}

	loaded := make(map[string]Entry)
	var failures []string
	walkFn := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", path, walkErr))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := FormatOf(path); !ok {
			return nil
		}
		entry, err := r.loadFile(path)
		if err != nil {
			failures = append(failures, err.Error())
			return nil
		}
		loaded[entry.Name] = entry
		return nil
	}
	if err := filepath.WalkDir(r.root, walkFn); err != nil {
		return fmt.Errorf("walk template directory %s: %w", r.root, err)
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()
	metrics.TemplatesLoaded.Set(float64(len(loaded)))

	r.logger.Info("Loaded workflow templates",
		zap.String("dir", r.root),
		zap.Int("loaded", len(loaded)),
		zap.Int("failed", len(failures)),
	)
	if len(failures) > 0 {
		sort.Strings(failures)
		return &LoadError{Failures: failures}
	}
	return nil
}

// Reload reloads a single file, or drops it when it no longer exists.
func (r *Registry) Reload(path string) error {
	name, err := r.nameOf(path)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		r.Remove(name)
		return nil
	}
	entry, err := r.loadFile(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates[entry.Name] = entry
	n := len(r.templates)
	r.mu.Unlock()
	metrics.TemplatesLoaded.Set(float64(n))
	return nil
}

// Remove drops a template by name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.templates, name)
	n := len(r.templates)
	r.mu.Unlock()
	metrics.TemplatesLoaded.Set(float64(n))
}

// Get returns the template entry registered under name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.templates[name]
	return entry, ok
}

// Load returns a fresh copy of the candidate's graph. Candidates not yet in
// the registry are read from disk, so templates added without a watcher are
// still found.
func (r *Registry) Load(ctx context.Context, candidate string) (*workflow.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TemplateLoadError{Candidate: candidate, Err: err}
	}
	if entry, ok := r.Get(candidate); ok {
		return entry.Graph.Clone(), nil
	}

	path, err := r.pathOf(candidate)
	if err != nil {
		return nil, err
	}
	entry, err := r.loadFile(path)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.templates[entry.Name] = entry
	r.mu.Unlock()
	return entry.Graph.Clone(), nil
}

// List summaries of all currently loaded templates, sorted by name.
func (r *Registry) List() []TemplateSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]TemplateSummary, 0, len(r.templates))
	for _, entry := range r.templates {
		summaries = append(summaries, summarize(entry))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// Len returns the number of loaded templates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

func (r *Registry) loadFile(path string) (Entry, error) {
	name, err := r.nameOf(path)
	if err != nil {
		return Entry{}, err
	}
	g, data, err := LoadFile(name, path)
	if err != nil {
		metrics.TemplateValidationIssues.WithLabelValues("load", string(SeverityError)).Inc()
		return Entry{}, err
	}
	format, _ := FormatOf(path)
	hash := sha256.Sum256(data)
	return Entry{
		Name:        name,
		Graph:       g,
		Format:      format,
		SourcePath:  path,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    r.now().UTC(),
	}, nil
}

// pathOf maps a candidate identifier to a file under the root. Identifiers
// may not escape the directory.
func (r *Registry) pathOf(candidate string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(candidate)))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &TemplateLoadError{Candidate: candidate, Err: fmt.Errorf("invalid template name: %w", ErrTemplateNotFound)}
	}
	return filepath.Join(r.root, clean), nil
}

func (r *Registry) nameOf(path string) (string, error) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return "", fmt.Errorf("template %s is outside %s: %w", path, r.root, err)
	}
	return filepath.ToSlash(rel), nil
}
