// Package local_test tests the local result archive.
package local_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchengine/internal/digest"
	"github.com/JakeFAU/fetchengine/internal/fetch"
	"github.com/JakeFAU/fetchengine/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, nil, 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestSave(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("WritesResultUnderHost", func(t *testing.T) {
		res := &fetch.Result{URL: "https://Example.com:8443/a?b=1", StatusCode: 200, Body: map[string]any{"ok": true}, Attempts: 1}
		uri, err := store.Save(context.Background(), res)
		require.NoError(t, err)

		want := filepath.Join(tempDir, "example.com", digest.URLKey(res.URL)+".json")
		assert.Equal(t, "file://"+want, uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(want)
		require.NoError(t, err)
		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, res.URL, got["url"])
		assert.EqualValues(t, 200, got["status_code"])
	})

	t.Run("InvalidURLGoesToInvalidDir", func(t *testing.T) {
		uri, err := store.Save(context.Background(), &fetch.Result{URL: "::bad", Err: "bad url"})
		require.NoError(t, err)
		assert.True(t, strings.Contains(uri, string(filepath.Separator)+"_invalid"+string(filepath.Separator)))
	})

	t.Run("NilResult", func(t *testing.T) {
		_, err := store.Save(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.Save(ctx, &fetch.Result{URL: "https://example.com/"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("TraversalRejected", func(t *testing.T) {
		_, err := store.PathFor("http://../x")
		assert.Error(t, err)
	})
}

func TestSaveAll(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	saved, err := store.SaveAll(context.Background(), map[string]*fetch.Result{
		"https://a.example/1": {URL: "https://a.example/1", StatusCode: 200},
		"https://b.example/2": {URL: "https://b.example/2", StatusCode: 404},
		"broken":              nil,
	})
	assert.Error(t, err)
	assert.Equal(t, 2, saved)
}
