// ABOUTME: Working folder management: one uniquely named directory per run under the uploads root.
// ABOUTME: Saves uploaded files with sanitized names, lists folder contents and opens the per-run log.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/2389-research/assay/workflow"
)

// ErrUploadTooLarge is returned when an upload exceeds the size limit.
var ErrUploadTooLarge = errors.New("upload exceeds size limit")

// reserved names are written by the workflow itself; uploads with these names
// are stored under a prefixed name instead.
var reserved = map[string]bool{
	workflow.ResultArtifact: true,
	workflow.RunLogFile:     true,
}

// Manager creates and opens working folders under a root directory.
type Manager struct {
	root string
}

// NewManager creates root if needed. Folder paths handed out are absolute so
// generated code sees the same paths regardless of its working directory.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("uploads root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving uploads root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute uploads root.
func (m *Manager) Root() string {
	return m.root
}

// Create makes a new empty working folder named by a random UUID.
func (m *Manager) Create() (*Folder, error) {
	id := uuid.New().String()
	path := filepath.Join(m.root, id)
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating working folder: %w", err)
	}
	return &Folder{ID: id, Path: path}, nil
}

// Open returns the existing folder for id.
func (m *Manager) Open(id string) (*Folder, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid folder id %q", id)
	}
	path := filepath.Join(m.root, id)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	return &Folder{ID: id, Path: path}, nil
}

// Folder is one run's working folder.
type Folder struct {
	ID   string
	Path string
}

// SaveUpload copies r into the folder under a sanitized form of name. A
// maxBytes of zero or less means no limit.
func (f *Folder) SaveUpload(name string, r io.Reader, maxBytes int64) (workflow.Upload, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return workflow.Upload{}, err
	}
	if reserved[clean] {
		clean = "upload-" + clean
	}
	dest := filepath.Join(f.Path, clean)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return workflow.Upload{}, fmt.Errorf("creating %s: %w", clean, err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr == nil && maxBytes > 0 && n > maxBytes {
		copyErr = fmt.Errorf("%w: %s is larger than %d bytes", ErrUploadTooLarge, clean, maxBytes)
	}
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(dest)
		return workflow.Upload{}, fmt.Errorf("saving %s: %w", clean, err)
	}

	return workflow.Upload{Name: clean, Path: dest, Size: n}, nil
}

// SanitizeName reduces an uploaded file name to a safe base name.
func SanitizeName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(strings.TrimSpace(name))
	if base == "/" {
		return "", fmt.Errorf("invalid upload file name %q", name)
	}
	base = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '/' || r == ':' {
			return '_'
		}
		return r
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "", fmt.Errorf("invalid upload file name %q", name)
	}
	return base, nil
}

// Entry is one file in a working folder.
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Inventory lists the files matching any of patterns (doublestar syntax,
// relative to the folder), sorted by name. No patterns means every file.
func (f *Folder) Inventory(patterns ...string) ([]Entry, error) {
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	fsys := os.DirFS(f.Path)
	seen := make(map[string]bool)
	var entries []Entry
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			info, err := os.Stat(filepath.Join(f.Path, filepath.FromSlash(m)))
			if err != nil {
				continue
			}
			entries = append(entries, Entry{Name: m, Size: info.Size()})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// OpenLog opens app.log in the folder and returns a logger writing to it and
// to echo, if non-nil. The caller closes the returned closer.
func (f *Folder) OpenLog(echo io.Writer) (*log.Logger, io.Closer, error) {
	file, err := os.OpenFile(filepath.Join(f.Path, workflow.RunLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening run log: %w", err)
	}
	var w io.Writer = file
	if echo != nil {
		w = io.MultiWriter(file, echo)
	}
	return log.New(w, "", log.LstdFlags|log.Lmicroseconds), file, nil
}
