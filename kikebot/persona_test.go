package kikebot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestPersonaStore_Builtins(t *testing.T) {
	t.Parallel()

	store := NewPersonaStore(nil)
	assert.Equal(t, []string{"aim", "critic", "formal", "standard"}, store.Names())
	assert.True(t, store.Has(DefaultPersona))

	prompt, ok := store.Get("aim")
	assert.True(t, ok)
	assert.Contains(t, prompt, "Kike")

	_, ok = store.Get("nobody")
	assert.False(t, ok)
	assert.False(t, store.Has("nobody"))
}

func TestPersonaStore_Extra(t *testing.T) {
	t.Parallel()

	store := NewPersonaStore(
		map[string]string{
			"pirate":   "Talk like a pirate.",
			"standard": "Overridden.",
			"  ":       "ignored",
		},
	)
	assert.Equal(t, []string{"aim", "critic", "formal", "pirate", "standard"}, store.Names())

	prompt, _ := store.Get("standard")
	assert.Equal(t, "Overridden.", prompt)

	// built-ins aren't modified
	original, _ := NewPersonaStore(nil).Get("standard")
	assert.NotEqual(t, "Overridden.", original)
}

func TestPersonaStore_NamesIsACopy(t *testing.T) {
	t.Parallel()

	store := NewPersonaStore(nil)
	names := store.Names()
	names[0] = "changed"
	assert.Equal(t, "aim", store.Names()[0])
}

func TestLoadPersonas(t *testing.T) {
	t.Parallel()

	tmpdir := t.TempDir()
	path := filepath.Join(tmpdir, "personas.yaml")
	require.NoError(
		t,
		os.WriteFile(
			path,
			[]byte("pirate: Talk like a pirate.\npoet: |\n  Answer in verse.\n  Always rhyme.\n"),
			0o644,
		),
	)

	personas, err := LoadPersonas(path)
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]string{
			"pirate": "Talk like a pirate.",
			"poet":   "Answer in verse.\nAlways rhyme.\n",
		},
		personas,
	)

	_, err = LoadPersonas(filepath.Join(tmpdir, "missing.yaml"))
	assert.Error(t, err)

	badPath := filepath.Join(tmpdir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("- just\n- a list\n"), 0o644))
	_, err = LoadPersonas(badPath)
	assert.Error(t, err)
}
