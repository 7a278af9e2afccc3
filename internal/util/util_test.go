package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExistenceProbes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(file))
	assert.False(t, DirExists(filepath.Join(dir, "missing")))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}

func TestRemoveIfExists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "run.ckp.gz")
	require.NoError(t, os.WriteFile(file, []byte("stale"), 0644))

	removed, err := RemoveIfExists(file)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, FileExists(file))

	removed, err = RemoveIfExists(file)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "final.csv")

	err := WriteFileAtomic(target, func(f *os.File) error {
		_, err := f.WriteString("seqName\nS1\n")
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "seqName\nS1\n", string(data))

	// A failing writer leaves neither the target nor a temp file behind.
	other := filepath.Join(dir, "broken.csv")
	err = WriteFileAtomic(other, func(f *os.File) error {
		_, _ = f.WriteString("partial")
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.False(t, FileExists(other))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
