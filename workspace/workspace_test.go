// ABOUTME: Tests for the working folder manager, upload saving, inventory and run log.
// ABOUTME: Exercises path sanitization and size limits against real temp directories.
package workspace

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreateAndOpen(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(m.Root()))

	a, err := m.Create()
	require.NoError(t, err)
	b, err := m.Create()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	_, err = uuid.Parse(a.ID)
	assert.NoError(t, err)
	assert.DirExists(t, a.Path)
	assert.Equal(t, filepath.Join(m.Root(), a.ID), a.Path)

	opened, err := m.Open(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Path, opened.Path)

	_, err = m.Open("../etc")
	assert.Error(t, err)
	_, err = m.Open(uuid.New().String())
	assert.Error(t, err)
}

func TestNewManagerEmptyRoot(t *testing.T) {
	_, err := NewManager("")
	assert.Error(t, err)
}

func TestSaveUpload(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	f, err := m.Create()
	require.NoError(t, err)

	up, err := f.SaveUpload("../../sales.csv", strings.NewReader("a,b\n1,2\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, "sales.csv", up.Name)
	assert.Equal(t, filepath.Join(f.Path, "sales.csv"), up.Path)
	assert.Equal(t, int64(8), up.Size)

	data, err := os.ReadFile(up.Path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestSaveUploadReservedName(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	f, err := m.Create()
	require.NoError(t, err)

	up, err := f.SaveUpload("result.json", strings.NewReader("{}"), 0)
	require.NoError(t, err)
	assert.Equal(t, "upload-result.json", up.Name)
	assert.NoFileExists(t, filepath.Join(f.Path, "result.json"))
}

func TestSaveUploadTooLarge(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	f, err := m.Create()
	require.NoError(t, err)

	_, err = f.SaveUpload("big.bin", bytes.NewReader(make([]byte, 100)), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUploadTooLarge))
	assert.NoFileExists(t, filepath.Join(f.Path, "big.bin"))
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"data.csv":              "data.csv",
		"/abs/path/q.txt":       "q.txt",
		`C:\Users\me\file.xlsx`: "file.xlsx",
		"..hidden":              "hidden",
		"tab\tname.csv":         "tab_name.csv",
	}
	for in, want := range tests {
		got, err := SanitizeName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "..", ".", "/"} {
		_, err := SanitizeName(bad)
		assert.Error(t, err, "%q should be rejected", bad)
	}
}

func TestInventory(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	f, err := m.Create()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.Path, "data.csv"), []byte("a\n1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.Path, "stage-1.py"), []byte("print(1)"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(f.Path, "charts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.Path, "charts", "plot.png"), []byte("png"), 0o644))

	all, err := f.Inventory()
	require.NoError(t, err)
	names := make([]string, 0, len(all))
	for _, e := range all {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"charts/plot.png", "data.csv", "stage-1.py"}, names)

	scripts, err := f.Inventory("stage-*.py", "**/*.png")
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "charts/plot.png", scripts[0].Name)
	assert.Equal(t, int64(3), scripts[0].Size)
}

func TestOpenLog(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	f, err := m.Create()
	require.NoError(t, err)

	var echo bytes.Buffer
	logger, closer, err := f.OpenLog(&echo)
	require.NoError(t, err)
	logger.Printf("component=workflow run=%s action=start", f.ID)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(f.Path, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "action=start")
	assert.Contains(t, echo.String(), "action=start")
}
