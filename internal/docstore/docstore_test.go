package docstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/object/documents/tenant-a/contract.pdf", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte("%PDF-1.7 content"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", "documents", 5*time.Second)
	data, err := c.Fetch(context.Background(), "tenant-a/contract.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 content"), data)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "documents", 5*time.Second)
	_, err := c.Fetch(context.Background(), "missing.pdf")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/object/documents/uploads/abc/report.pdf", r.URL.Path)
		require.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "documents", 5*time.Second)
	require.NoError(t, c.Store(context.Background(), "uploads/abc/report.pdf", []byte("%PDF-"), "application/pdf"))
	assert.Equal(t, []byte("%PDF-"), gotBody)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", "documents", 20*time.Millisecond)
	_, err := c.Fetch(context.Background(), "slow.pdf")
	require.ErrorIs(t, err, ErrTimeout)
}
