package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/franz/fpmatch/internal/config"
	"github.com/franz/fpmatch/internal/fpindex"
)

func TestCheckDatabase_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fpmatch.db")

	result := checkDatabase(context.Background(), dbPath)

	assert.False(t, result.error, result.message)
	assert.Contains(t, result.name, "sqlite")
	assert.Contains(t, result.message, "0 tracks")
	assert.Contains(t, result.message, "0 pending submissions")
}

func TestCheckDatabase_Unopenable(t *testing.T) {
	// A directory cannot be opened as a database file
	result := checkDatabase(context.Background(), t.TempDir())

	assert.True(t, result.error)
}

func TestCheckStreamDirectory(t *testing.T) {
	dir := t.TempDir()

	t.Run("writable", func(t *testing.T) {
		result := checkStreamDirectory(dir)
		assert.False(t, result.error, result.message)
		assert.Contains(t, result.message, "writable")

		_, err := os.Stat(filepath.Join(dir, ".fpm_write_test"))
		assert.True(t, os.IsNotExist(err), "test file should be removed")
	})

	t.Run("missing", func(t *testing.T) {
		result := checkStreamDirectory(filepath.Join(dir, "missing"))
		assert.False(t, result.error)
		assert.Contains(t, result.message, "created on first run")
	})

	t.Run("not a directory", func(t *testing.T) {
		file := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

		result := checkStreamDirectory(file)
		assert.True(t, result.error)
		assert.Contains(t, result.message, "not a directory")
	})
}

func TestCheckDiskSpace(t *testing.T) {
	result := checkDiskSpace(t.TempDir(), "stream")

	assert.False(t, result.error)
	assert.Equal(t, "Disk space (stream)", result.name)
	assert.Contains(t, result.message, "available")
}

func TestCheckIndex_Disabled(t *testing.T) {
	results := checkIndex(context.Background(), &config.Config{})

	require.Len(t, results, 1)
	assert.True(t, results[0].warning)
	assert.False(t, results[0].error)
}

func TestCheckIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", fpindex.ContentType)
		switch r.URL.Path {
		case "/_health":
			w.WriteHeader(http.StatusOK)
		case "/main":
			data, _ := msgpack.Marshal(fpindex.IndexInfo{
				Version:    3,
				Segments:   1,
				Docs:       1234,
				Attributes: map[string]uint64{"max_lsn": 42},
			})
			w.Write(data)
		default:
			data, _ := msgpack.Marshal(fpindex.ErrorResponse{Error: "index not found"})
			w.WriteHeader(http.StatusNotFound)
			w.Write(data)
		}
	}))
	defer srv.Close()

	cfg := &config.Config{Index: config.IndexConfig{
		URL:         srv.URL,
		Name:        "main",
		SimHashName: "simhash",
		Timeout:     time.Second,
	}}

	results := checkIndex(context.Background(), cfg)

	require.Len(t, results, 3)
	assert.False(t, results[0].error, results[0].message)
	assert.Equal(t, "Index main", results[1].name)
	assert.False(t, results[1].error, results[1].message)
	assert.Contains(t, results[1].message, "1,234 documents")
	assert.Contains(t, results[1].message, "max_lsn 42")
	assert.Equal(t, "Index simhash", results[2].name)
	assert.True(t, results[2].error)
}

func TestCheckIndex_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := &config.Config{Index: config.IndexConfig{URL: srv.URL, Name: "main", Timeout: time.Second}}

	results := checkIndex(context.Background(), cfg)

	require.Len(t, results, 1)
	assert.True(t, results[0].error)
	assert.Contains(t, results[0].message, "unhealthy")
}

func TestPrintResults(t *testing.T) {
	assert.False(t, printResults([]checkResult{{name: "a"}, {name: "b", warning: true}}))
	assert.True(t, printResults([]checkResult{{name: "a"}, {name: "b", error: true}}))
}
