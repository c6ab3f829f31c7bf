package fetch

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdl/internal/logger"
	"streamdl/internal/manifest"
	"streamdl/internal/plan"
)

func testScheduler(client *http.Client, concurrency int) *Scheduler {
	return NewScheduler(client, NewKeyService(client, logger.Nop()), logger.Nop(), concurrency, 2*time.Second)
}

func planFor(workDir string, urls ...string) *plan.Plan {
	p := &plan.Plan{}
	for i, u := range urls {
		p.Entries = append(p.Entries, plan.Entry{
			Index:     i,
			URL:       u,
			LocalPath: filepath.Join(workDir, fmt.Sprintf("seg_%05d.ts", i)),
		})
	}
	return p
}

func TestScheduler_FetchesAllSegments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data:" + r.URL.Path))
	}))
	defer server.Close()

	dir := t.TempDir()
	p := planFor(dir, server.URL+"/0.ts", server.URL+"/1.ts", server.URL+"/2.ts")

	results := testScheduler(server.Client(), 2).Run(context.Background(), p)

	require.Len(t, results, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, results[i].Err)
		data, err := os.ReadFile(p.Entries[i].LocalPath)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("data:/%d.ts", i), string(data))
	}
}

func TestScheduler_PartialFailureContinues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1.ts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	dir := t.TempDir()
	p := planFor(dir, server.URL+"/0.ts", server.URL+"/1.ts", server.URL+"/2.ts")

	results := testScheduler(server.Client(), 3).Run(context.Background(), p)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err, "a failed segment is recorded, not fatal")
	assert.NoError(t, results[2].Err)
}

func TestScheduler_ResumeSkipsExistingFiles(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte("fresh"))
	}))
	defer server.Close()

	dir := t.TempDir()
	p := planFor(dir, server.URL+"/0.ts", server.URL+"/1.ts")
	for i := range p.Entries {
		require.NoError(t, os.WriteFile(p.Entries[i].LocalPath, []byte("cached"), 0o644))
	}

	results := testScheduler(server.Client(), 2).Run(context.Background(), p)

	assert.Equal(t, int32(0), atomic.LoadInt32(&requests), "a warm cache performs zero network requests")
	for i := range p.Entries {
		require.NoError(t, results[i].Err)
		assert.True(t, results[i].Skipped)

		data, err := os.ReadFile(p.Entries[i].LocalPath)
		require.NoError(t, err)
		assert.Equal(t, "cached", string(data), "existing files are never overwritten")
	}
}

func TestScheduler_ProgressMonotonicAndComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	dir := t.TempDir()
	p := planFor(dir, server.URL+"/0.ts", server.URL+"/1.ts", server.URL+"/2.ts", server.URL+"/3.ts")

	// Single worker makes the callback order deterministic.
	s := testScheduler(server.Client(), 1)
	var seen []int
	s.OnProgress = func(done, total int) {
		assert.Equal(t, 4, total)
		seen = append(seen, done)
	}
	s.Run(context.Background(), p)

	require.Len(t, seen, 4)
	for i, v := range seen {
		assert.Equal(t, i+1, v, "progress never decreases")
	}
	assert.Equal(t, 4, seen[len(seen)-1], "final value equals plan length")
}

func TestScheduler_DecryptsWithImplicitIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	plaintext := []byte("0123456789abcdef0123456789abcdef") // two blocks

	mux := http.NewServeMux()
	mux.HandleFunc("/key.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(key)
	})
	mux.HandleFunc("/3.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(encryptWith(t, plaintext, key, DeriveIV(3)))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	p := &plan.Plan{Entries: []plan.Entry{{
		Index:     3,
		URL:       server.URL + "/3.ts",
		Key:       &manifest.KeyRef{URI: server.URL + "/key.bin"},
		LocalPath: filepath.Join(dir, "seg_00003.ts"),
	}}}

	results := testScheduler(server.Client(), 1).Run(context.Background(), p)
	require.NoError(t, results[3].Err)

	data, err := os.ReadFile(p.Entries[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)
}

func TestScheduler_DecryptsWithExplicitIV(t *testing.T) {
	key := []byte("fedcba9876543210")
	iv := []byte("abcdefghijklmnop")
	plaintext := []byte("0123456789abcdef")

	mux := http.NewServeMux()
	mux.HandleFunc("/key.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(key)
	})
	mux.HandleFunc("/0.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(encryptWith(t, plaintext, key, iv))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	p := &plan.Plan{Entries: []plan.Entry{{
		Index:     0,
		URL:       server.URL + "/0.ts",
		Key:       &manifest.KeyRef{URI: server.URL + "/key.bin", IV: iv},
		LocalPath: filepath.Join(dir, "seg_00000.ts"),
	}}}

	results := testScheduler(server.Client(), 1).Run(context.Background(), p)
	require.NoError(t, results[0].Err)

	data, err := os.ReadFile(p.Entries[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)
}

func TestScheduler_RetryThenSuccess(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer server.Close()

	dir := t.TempDir()
	p := planFor(dir, server.URL+"/0.ts")

	results := testScheduler(server.Client(), 1).Run(context.Background(), p)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))

	data, err := os.ReadFile(p.Entries[0].LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "finally", string(data))
}

func encryptWith(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out
}
