package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(path, []byte("tree\r\nbush\n\n  stump \n"), 0o644))

	names, err := ReadNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tree", "bush", "stump"}, names)
}

func TestReadNamesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(path, []byte("\n\n"), 0o644))

	_, err := ReadNames(path)
	assert.Error(t, err)

	_, err = ReadNames(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestNameOf(t *testing.T) {
	names := []string{"tree", "bush"}
	assert.Equal(t, "bush", nameOf(names, 1))
	assert.Equal(t, "class_5", nameOf(names, 5))
	assert.Equal(t, "class_-1", nameOf(nil, -1))
}
