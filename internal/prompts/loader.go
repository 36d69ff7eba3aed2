package prompts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/apelabs/ape/internal/aperrors"
	"github.com/apelabs/ape/internal/observability"
)

// Suffix identifies prompt files inside the registry directory.
const Suffix = ".prompt.md"

// pollInterval drives the fallback watcher on filesystems where fsnotify
// cannot attach.
const pollInterval = 2 * time.Second

// Registry holds the loaded prompt templates and keeps them fresh when
// the directory changes.
type Registry struct {
	dir    string
	logger *observability.Logger

	mu        sync.RWMutex
	templates map[string]*Template

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// NewRegistry loads all prompt files from dir. Files that fail to parse
// are skipped with a warning so one bad file cannot take the registry down.
func NewRegistry(dir string, logger *observability.Logger) (*Registry, error) {
	r := &Registry{
		dir:       dir,
		logger:    logger,
		templates: make(map[string]*Template),
		stop:      make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts hot reload: fsnotify when available, polling otherwise.
// Callers stop it with Close.
func (r *Registry) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(r.dir)
	}
	if err != nil {
		if r.logger != nil {
			r.logger.Warn(ctx, "prompt watcher unavailable, falling back to polling", "error", err)
		}
		go r.pollLoop(ctx)
		return
	}
	r.watcher = watcher
	go r.watchLoop(ctx)
}

func (r *Registry) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, Suffix) {
				continue
			}
			if err := r.reload(); err != nil && r.logger != nil {
				r.logger.Warn(ctx, "prompt reload failed", "error", err)
			} else if r.logger != nil {
				r.logger.Debug(ctx, "prompts reloaded", "trigger", event.Name)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if r.logger != nil {
				r.logger.Warn(ctx, "prompt watcher error", "error", err)
			}
		}
	}
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := r.dirFingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			current := r.dirFingerprint()
			if current != last {
				last = current
				if err := r.reload(); err != nil && r.logger != nil {
					r.logger.Warn(ctx, "prompt reload failed", "error", err)
				}
			}
		}
	}
}

// dirFingerprint folds file names, sizes, and mtimes into a comparable
// string.
func (r *Registry) dirFingerprint() string {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "%s:%d:%d;", e.Name(), info.Size(), info.ModTime().UnixNano())
	}
	return sb.String()
}

// Close stops the watcher goroutines.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// reload re-reads the directory and swaps the template map atomically.
func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read prompt directory %s: %w", r.dir, err)
	}

	loaded := make(map[string]*Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.warnSkip(path, err)
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), Suffix)
		tmpl, err := Parse(data, stem)
		if err != nil {
			r.warnSkip(path, err)
			continue
		}
		loaded[tmpl.Name] = tmpl
	}

	r.mu.Lock()
	r.templates = loaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) warnSkip(path string, err error) {
	if r.logger != nil {
		r.logger.Warn(context.Background(), "skipping prompt file", "path", path, "error", err)
	}
}

// Get returns a template by name or PROMPT_NOT_FOUND.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.templates[name]; ok {
		return t, nil
	}
	return nil, aperrors.Newf(aperrors.CodePromptNotFound, "prompt %q not found", name)
}

// List returns all templates sorted by name.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
