package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsproxyd/internal/fetch"
	"hlsproxyd/internal/logger"
)

func TestGetInjectsHeaders(t *testing.T) {
	var gotAuth, gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRange = r.Header.Get("Range")
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	c := fetch.NewClient(logger.Nop())
	data, err := c.Get(context.Background(), server.URL, map[string]string{"Authorization": "Bearer tok"})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Empty(t, gotRange)
}

func TestGetRangeHeader(t *testing.T) {
	var gotRange string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("part"))
	}))
	defer server.Close()

	c := fetch.NewClient(logger.Nop())
	_, err := c.GetRange(context.Background(), server.URL, nil, 100, 199)
	require.NoError(t, err)
	assert.Equal(t, "bytes=100-199", gotRange)

	_, err = c.GetRange(context.Background(), server.URL, nil, 100, -1)
	require.NoError(t, err)
	assert.Equal(t, "bytes=100-", gotRange)
}

func TestGetStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	c := fetch.NewClient(logger.Nop())
	_, err := c.Get(context.Background(), server.URL, nil)
	require.Error(t, err)

	var statusErr *fetch.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestGetToFileLeavesNoFileOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "seg.ts")
	c := fetch.NewClient(logger.Nop())
	err := c.GetToFile(context.Background(), server.URL, nil, path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestGetToFileWritesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "seg.ts")
	c := fetch.NewClient(logger.Nop())
	require.NoError(t, c.GetToFile(context.Background(), server.URL, nil, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(data))
}

func TestSetProxyRejectsGarbage(t *testing.T) {
	c := fetch.NewClient(logger.Nop())
	assert.Error(t, c.SetProxy("://not-a-url"))
	assert.NoError(t, c.SetProxy("http://127.0.0.1:8118"))
	assert.NoError(t, c.SetProxy(""))
}
