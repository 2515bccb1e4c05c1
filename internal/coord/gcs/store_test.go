package gcs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "test-bucket", Prefix: "governor/"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.ErrorContains(t, err, "bucket name is required")
}

func TestCompareAndSwapCreateSendsPrecondition(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "governor/lock/a", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))
		fmt.Fprintln(w, `{"name":"governor/lock/a","bucket":"test-bucket","generation":"1"}`)
	})
	store := newTestStore(t, handler)

	ok, err := store.CompareAndSwap(context.Background(), "lock/a", 0, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompareAndSwapLostRace(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "41", r.URL.Query().Get("ifGenerationMatch"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"Precondition Failed"}}`)
	})
	store := newTestStore(t, handler)

	ok, err := store.CompareAndSwap(context.Background(), "lock/a", 41, []byte(`{}`))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompareAndSwapServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler)

	_, err := store.CompareAndSwap(context.Background(), "lock/a", 3, []byte(`{}`))
	require.Error(t, err)
}

func TestCompareAndDeleteLostRace(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "9", r.URL.Query().Get("ifGenerationMatch"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error":{"code":412,"message":"Precondition Failed"}}`)
	})
	store := newTestStore(t, handler)

	ok, err := store.CompareAndDelete(context.Background(), "owner/x", 9)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListStripsPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "governor/owner/", r.URL.Query().Get("prefix"))
		fmt.Fprintln(w, `{"kind":"storage#objects","items":[{"name":"governor/owner/b"},{"name":"governor/owner/a"}]}`)
	})
	store := newTestStore(t, handler)

	keys, err := store.List(context.Background(), "owner/")
	require.NoError(t, err)
	require.Equal(t, []string{"owner/a", "owner/b"}, keys)
}
