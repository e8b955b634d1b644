package step

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pasturehq/pasture/pkg/template"
)

// ReadFileStep reads a file (relative to Workdir, if set) and stores its
// contents under Key.
type ReadFileStep struct {
	Workdir  string
	Path     *template.Template
	Key      string
	Required bool
	Name     string
}

// Execute implements Step.
func (s *ReadFileStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()
	path, err := template.Render(s.Path, data)
	if err != nil && path == "" {
		return errorResult(s.Name, start, fmt.Errorf("read_file step %q: path template: %w", s.Name, err))
	}
	if s.Workdir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.Workdir, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !s.Required {
			return Result{Output: map[string]any{s.Key: ""}, Time: time.Since(start).Seconds(), Status: "success"}
		}
		return errorResult(s.Name, start, fmt.Errorf("read_file step %q: read %q: %w", s.Name, path, err))
	}

	return Result{Output: map[string]any{s.Key: string(content)}, Time: time.Since(start).Seconds(), Status: "success"}
}

// WriteFileStep renders path and content as templates and writes the
// result to disk (relative to Workdir, if set), optionally appending.
type WriteFileStep struct {
	Workdir string
	Path    *template.Template
	Content *template.Template
	Mode    fs.FileMode
	Append  bool
	Name    string
}

// Execute implements Step.
func (s *WriteFileStep) Execute(_ context.Context, data map[string]any) Result {
	start := time.Now()

	path, err := template.Render(s.Path, data)
	if err != nil && path == "" {
		return errorResult(s.Name, start, fmt.Errorf("write_file step %q: path template: %w", s.Name, err))
	}
	if s.Workdir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.Workdir, path)
	}
	content, _ := template.Render(s.Content, data)

	mode := s.Mode
	if mode == 0 {
		mode = 0o644
	}

	if dir := filepath.Dir(path); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return errorResult(s.Name, start, fmt.Errorf("write_file step %q: create dirs %q: %w", s.Name, dir, mkErr))
		}
	}

	if s.Append {
		f, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, mode)
		if openErr != nil {
			return errorResult(s.Name, start, fmt.Errorf("write_file step %q: open %q: %w", s.Name, path, openErr))
		}
		_, writeErr := f.WriteString(content)
		closeErr := f.Close()
		if writeErr != nil {
			return errorResult(s.Name, start, fmt.Errorf("write_file step %q: write %q: %w", s.Name, path, writeErr))
		}
		if closeErr != nil {
			return errorResult(s.Name, start, fmt.Errorf("write_file step %q: close %q: %w", s.Name, path, closeErr))
		}
		return Result{Output: map[string]any{"path": path}, Time: time.Since(start).Seconds(), Status: "success"}
	}

	if writeErr := os.WriteFile(path, []byte(content), mode); writeErr != nil {
		return errorResult(s.Name, start, fmt.Errorf("write_file step %q: write %q: %w", s.Name, path, writeErr))
	}
	return Result{Output: map[string]any{"path": path}, Time: time.Since(start).Seconds(), Status: "success"}
}
