package fstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Name  string         `json:"name"`
	Ports map[string]int `json:"ports"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system", "ports.json")

	in := snapshot{Name: "web", Ports: map[string]int{"node": 3000}}
	require.NoError(t, WriteJSON(path, in))

	var out snapshot
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestReadMissingFile(t *testing.T) {
	var out snapshot
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	require.NoError(t, err)
	assert.Empty(t, out.Name)
	assert.Nil(t, out.Ports)
}

func TestWriteOverwritesCompletely(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, WriteJSON(path, snapshot{Name: "first", Ports: map[string]int{"a": 1, "b": 2}}))
	require.NoError(t, WriteJSON(path, snapshot{Name: "second"}))

	var out snapshot
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "second", out.Name)
	assert.Nil(t, out.Ports)
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ports.json")
	require.NoError(t, WriteJSON(path, snapshot{Name: "web"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ports.json", entries[0].Name())
}

func TestReadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	var out snapshot
	assert.Error(t, ReadJSON(path, &out))
}
