package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhj0517/ComfyUI-backend/internal/config"
	"github.com/jhj0517/ComfyUI-backend/internal/core/job"
)

// fakeObjectStore records uploads and can fail selected keys.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failFor string // substring of keys to reject
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (s *fakeObjectStore) Put(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	if s.failFor != "" && strings.Contains(key, s.failFor) {
		return "", fmt.Errorf("put %s: access denied", key)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return "https://bucket.s3.amazonaws.com/" + key, nil
}

func (s *fakeObjectStore) stored(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.objects {
		if strings.Contains(k, key) {
			return v, true
		}
	}
	return nil, false
}

// engineStub serves artifact bytes at /view, 404 for names it does not know.
func engineStub(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Query().Get("filename")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
}

func completedJob(srv *httptest.Server, filenames ...string) *job.Job {
	j := &job.Job{ID: "job-1", State: job.StateCompleted}
	for _, name := range filenames {
		j.ResultRefs = append(j.ResultRefs, job.ResultRef{
			NodeID:   "9",
			Filename: name,
			Location: srv.URL + "/view?filename=" + url.QueryEscape(name),
		})
	}
	return j
}

func TestDeliver_UploadsAllArtifacts(t *testing.T) {
	engine := engineStub(t, map[string][]byte{
		"a.png": []byte("png-a"),
		"b.png": []byte("png-b"),
	})
	defer engine.Close()

	store := newFakeObjectStore()
	d := New(store, "outputs/", WithTempDir(t.TempDir()))

	status := d.Deliver(context.Background(), completedJob(engine, "a.png", "b.png"))

	require.Len(t, status.Artifacts, 2)
	assert.False(t, status.FinishedAt.IsZero())
	for _, art := range status.Artifacts {
		assert.Empty(t, art.Error)
		assert.True(t, strings.HasPrefix(art.StorageURI, "https://bucket.s3.amazonaws.com/outputs/"))
		assert.Equal(t, art.StorageURI, art.URL)
	}

	data, ok := store.stored("a.png")
	require.True(t, ok)
	assert.Equal(t, []byte("png-a"), data)
}

func TestDeliver_PartialFailure(t *testing.T) {
	engine := engineStub(t, map[string][]byte{
		"good.png": []byte("ok"),
		"bad.png":  []byte("nope"),
	})
	defer engine.Close()

	store := newFakeObjectStore()
	store.failFor = "bad.png"
	d := New(store, "outputs/", WithTempDir(t.TempDir()))

	status := d.Deliver(context.Background(), completedJob(engine, "good.png", "bad.png"))

	require.Len(t, status.Artifacts, 2)
	assert.Empty(t, status.Artifacts[0].Error)
	assert.NotEmpty(t, status.Artifacts[0].StorageURI)
	assert.Contains(t, status.Artifacts[1].Error, "access denied")
	assert.Empty(t, status.Artifacts[1].StorageURI)
}

func TestDeliver_EngineFetchFailure(t *testing.T) {
	engine := engineStub(t, nil) // knows no files
	defer engine.Close()

	store := newFakeObjectStore()
	d := New(store, "outputs/", WithTempDir(t.TempDir()))

	status := d.Deliver(context.Background(), completedJob(engine, "gone.png"))

	require.Len(t, status.Artifacts, 1)
	assert.Contains(t, status.Artifacts[0].Error, "fetch artifact")
	_, ok := store.stored("gone.png")
	assert.False(t, ok)
}

func TestDeliver_SameFilenameKeepsDistinctTempFiles(t *testing.T) {
	engine := engineStub(t, map[string][]byte{
		"v1.png": []byte("first"),
		"v2.png": []byte("second"),
	})
	defer engine.Close()

	// Two artifacts sharing a filename, as two concurrent jobs would produce.
	j := &job.Job{ID: "job-1", State: job.StateCompleted, ResultRefs: []job.ResultRef{
		{NodeID: "9", Filename: "out_00001.png", Location: engine.URL + "/view?filename=v1.png"},
		{NodeID: "9", Filename: "out_00001.png", Location: engine.URL + "/view?filename=v2.png"},
	}}

	store := newFakeObjectStore()
	tempDir := t.TempDir()
	d := New(store, "outputs/", WithTempDir(tempDir), WithCleanup(false))

	status := d.Deliver(context.Background(), j)
	require.Len(t, status.Artifacts, 2)
	for _, art := range status.Artifacts {
		assert.Empty(t, art.Error)
	}

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	var bodies []string
	store.mu.Lock()
	for _, data := range store.objects {
		bodies = append(bodies, string(data))
	}
	store.mu.Unlock()
	assert.ElementsMatch(t, []string{"first", "second"}, bodies)
}

func TestDeliver_CleanupRemovesTempFiles(t *testing.T) {
	engine := engineStub(t, map[string][]byte{"a.png": []byte("x")})
	defer engine.Close()

	tempDir := t.TempDir()
	d := New(newFakeObjectStore(), "outputs/", WithTempDir(tempDir), WithCleanup(true))
	d.Deliver(context.Background(), completedJob(engine, "a.png"))

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeliver_SignedURLs(t *testing.T) {
	engine := engineStub(t, map[string][]byte{"a.png": []byte("x")})
	defer engine.Close()

	signer, err := NewURLSigner(config.CloudFrontConfig{
		Enabled:        true,
		Domain:         "cdn.example.com",
		SignedURLs:     true,
		KeyPairID:      "KEYPAIRID",
		PrivateKeyPath: writeTestKey(t),
		URLExpiry:      "1h",
	})
	require.NoError(t, err)

	d := New(newFakeObjectStore(), "outputs/", WithSigner(signer), WithTempDir(t.TempDir()))
	status := d.Deliver(context.Background(), completedJob(engine, "a.png"))

	require.Len(t, status.Artifacts, 1)
	art := status.Artifacts[0]
	assert.Empty(t, art.Error)
	assert.True(t, strings.HasPrefix(art.URL, "https://cdn.example.com/outputs/"))
	assert.Contains(t, art.URL, "Signature=")
	assert.Contains(t, art.URL, "Key-Pair-Id=KEYPAIRID")
	// The raw storage URI stays unsigned.
	assert.NotContains(t, art.StorageURI, "Signature=")
}

func TestURLSigner_UnsignedMode(t *testing.T) {
	signer, err := NewURLSigner(config.CloudFrontConfig{
		Enabled: true,
		Domain:  "cdn.example.com",
	})
	require.NoError(t, err)

	u, err := signer.URL("outputs/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/outputs/a.png", u)
}

func TestURLSigner_MissingKeyConfig(t *testing.T) {
	_, err := NewURLSigner(config.CloudFrontConfig{
		Enabled:    true,
		Domain:     "cdn.example.com",
		SignedURLs: true,
	})
	assert.Error(t, err)
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cf_key.pem")
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
