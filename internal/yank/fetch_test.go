package yank

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/manifest"
)

func specsPayload(t *testing.T, ids ...gem.Identity) []byte {
	t.Helper()
	data, err := manifest.Encode(ids, manifest.Options{Compression: manifest.CompressionGzip})
	require.NoError(t, err)
	return data
}

func newTestFetcher(t *testing.T, url string, pgpKeyPath string) *Fetcher {
	t.Helper()
	f, err := NewFetcher(FetchOptions{From: url, PGPKeyPath: pgpKeyPath, Quiet: true, Backoff: time.Millisecond})
	require.NoError(t, err)
	return f
}

func TestFetch(t *testing.T) {
	t.Parallel()

	payload := specsPayload(t, foo1, bar1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+SpecsFile {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	ids, err := newTestFetcher(t, srv.URL, "").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []gem.Identity{foo1, bar1}, ids)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	payload := specsPayload(t, foo1)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("partial garbage"))
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	ids, err := newTestFetcher(t, srv.URL, "").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []gem.Identity{foo1}, ids)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchGivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL, "").Fetch(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, httpRetries, calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL, "").Fetch(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchRejectsCorruptIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL, "").Fetch(context.Background())
	assert.Error(t, err)
}

// signedMirror serves a payload with a detached signature made by a fresh
// key, and returns the path of the armored public key.
func signedMirror(t *testing.T, payload []byte, tamper bool) (*httptest.Server, string) {
	t.Helper()

	pgp := crypto.PGP()
	key, err := pgp.KeyGeneration().AddUserId("yankbank test", "test@example.com").New().GenerateKey()
	require.NoError(t, err)

	signer, err := pgp.Sign().SigningKey(key).Detached().New()
	require.NoError(t, err)
	sig, err := signer.Sign(payload, crypto.Armor)
	require.NoError(t, err)

	armored, err := key.GetArmoredPublicKey()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "mirror.asc")
	require.NoError(t, os.WriteFile(keyPath, []byte(armored), 0644))

	served := payload
	if tamper {
		served = append(append([]byte{}, payload...), 0)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/" + SpecsFile:
			w.Write(served)
		case "/" + SpecsFile + ".asc":
			w.Write(sig)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, keyPath
}

func TestFetchVerifiesSignature(t *testing.T) {
	t.Parallel()

	srv, keyPath := signedMirror(t, specsPayload(t, foo1), false)

	ids, err := newTestFetcher(t, srv.URL, keyPath).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []gem.Identity{foo1}, ids)
}

func TestFetchRejectsBadSignature(t *testing.T) {
	t.Parallel()

	srv, keyPath := signedMirror(t, specsPayload(t, foo1), true)

	_, err := newTestFetcher(t, srv.URL, keyPath).Fetch(context.Background())
	assert.Error(t, err)
}

func TestFetchRequiresSignatureWhenConfigured(t *testing.T) {
	t.Parallel()

	_, keyPath := signedMirror(t, specsPayload(t, foo1), false)
	payload := specsPayload(t, foo1)
	unsigned := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/"+SpecsFile {
			w.Write(payload)
			return
		}
		http.NotFound(w, r)
	}))
	defer unsigned.Close()

	_, err := newTestFetcher(t, unsigned.URL, keyPath).Fetch(context.Background())
	assert.Error(t, err)
}

func TestFetchCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestFetcher(t, srv.URL, "").Fetch(ctx)
	assert.Error(t, err)
}
