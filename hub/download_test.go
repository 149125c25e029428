package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFileLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "file.lock")
	lock, err := acquireFileLock(context.Background(), lockPath)
	require.NoError(t, err)

	// A second lock (separate open file) must wait: with a canceled context it gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = acquireFileLock(ctx, lockPath)
	assert.Error(t, err)

	lock.removeOnRelease = true
	lock.release()
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))

	lock, err = acquireFileLock(context.Background(), lockPath)
	require.NoError(t, err)
	lock.release()
}

func TestLockedDownloadExistingFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{}"), 0644))
	r := New("some/model")
	// Nothing is downloaded for an existing file, not even with a canceled context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.lockedDownload(ctx, "http://invalid/config.json", filePath, false, nil))

	// Force-download removes the file first, then gives up on the canceled context.
	assert.Error(t, r.lockedDownload(ctx, "http://invalid/config.json", filePath, true, nil))
	_, err := os.Stat(filePath)
	assert.True(t, os.IsNotExist(err))
}

func TestDefaultCacheDir(t *testing.T) {
	t.Setenv("HF_HUB_CACHE", "")
	t.Setenv("HF_HOME", "")
	t.Setenv("XDG_CACHE_HOME", "/xdg")
	assert.Equal(t, "/xdg/huggingface/hub", DefaultCacheDir())

	t.Setenv("HF_HOME", "/hf")
	assert.Equal(t, "/hf/hub", DefaultCacheDir())

	t.Setenv("HF_HUB_CACHE", "/cache")
	assert.Equal(t, "/cache", DefaultCacheDir())

	assert.Contains(t, DefaultHttpUserAgent(), SessionId)
	assert.Len(t, SessionId, 32)
}

func TestReadInfoFile(t *testing.T) {
	infoPath := filepath.Join(t.TempDir(), "main")
	content := `{
  "id": "openai-community/gpt2",
  "author": "openai-community",
  "sha": "607a30d783dfa663caf39e06633721c8d4cfcd7e",
  "pipeline_tag": "text-generation",
  "tags": ["transformers", "pytorch"],
  "config": {"model_type": "gpt2", "architectures": ["GPT2LMHeadModel"]},
  "siblings": [{"rfilename": "config.json"}, {"rfilename": "vocab.json"}, {"rfilename": "merges.txt"}]
}`
	require.NoError(t, os.WriteFile(infoPath, []byte(content), 0644))
	info, err := readInfoFile(infoPath)
	require.NoError(t, err)
	assert.Equal(t, "openai-community/gpt2", info.ID)
	assert.Equal(t, "607a30d783dfa663caf39e06633721c8d4cfcd7e", info.CommitHash)
	assert.Equal(t, "gpt2", info.Config.ModelType)
	assert.Equal(t, []string{"GPT2LMHeadModel"}, info.Config.Architectures)
	require.Len(t, info.Siblings, 3)
	assert.Equal(t, "merges.txt", info.Siblings[2].Name)

	require.NoError(t, os.WriteFile(infoPath, []byte("<html>"), 0644))
	_, err = readInfoFile(infoPath)
	assert.Error(t, err)

	_, err = readInfoFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// newTestHub serves the info and the files of the repo "owner/model" at revision "main", whose commit is "abc123".
func newTestHub(t *testing.T, contents map[string]string) (*httptest.Server, *sync.Map) {
	var requests sync.Map
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/owner/model/revision/main", func(w http.ResponseWriter, req *http.Request) {
		requests.Store(req.URL.Path, true)
		_, _ = w.Write([]byte(`{"id": "owner/model", "sha": "abc123", "config": {"model_type": "bert"},
			"siblings": [{"rfilename": "config.json"}, {"rfilename": "vocab.txt"}]}`))
	})
	mux.HandleFunc("/owner/model/resolve/abc123/", func(w http.ResponseWriter, req *http.Request) {
		requests.Store(req.URL.Path, true)
		content, found := contents[filepath.Base(req.URL.Path)]
		if !found {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(content))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &requests
}

func TestDownloadFilesFromEndpoint(t *testing.T) {
	contents := map[string]string{"config.json": `{"model_type": "bert"}`, "vocab.txt": "[PAD]\n[UNK]\n"}
	server, requests := newTestHub(t, contents)
	cacheDir := t.TempDir()
	repo := New("owner/model").WithEndpoint(server.URL).WithCacheDir(cacheDir).WithAuth("").WithProgressBar(true)
	repo.Verbosity = 0

	info := repo.Info()
	require.NotNil(t, info)
	assert.Equal(t, "bert", info.Config.ModelType)
	url, err := repo.FileURL("vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/owner/model/resolve/abc123/vocab.txt", url)

	paths, err := repo.DownloadFiles("config.json", "vocab.txt")
	require.NoError(t, err)
	snapshotsDir := filepath.Join(cacheDir, "models--owner--model", "snapshots", "abc123")
	for ii, name := range []string{"config.json", "vocab.txt"} {
		assert.Equal(t, filepath.Join(snapshotsDir, name), paths[ii])
		got, err := os.ReadFile(paths[ii])
		require.NoError(t, err)
		assert.Equal(t, contents[name], string(got))
	}

	// Cached files are not requested again.
	requests.Delete("/owner/model/resolve/abc123/config.json")
	_, err = repo.DownloadFile("config.json")
	require.NoError(t, err)
	_, requested := requests.Load("/owner/model/resolve/abc123/config.json")
	assert.False(t, requested)

	// A failed download reports the error and leaves neither partial nor lock files behind.
	_, err = repo.DownloadFiles("vocab.txt", "missing.bin")
	require.Error(t, err)
	entries, err := os.ReadDir(snapshotsDir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{"config.json", "vocab.txt", "missing.bin.lock"}, names)
}

func TestDownloadCallsProgressCallback(t *testing.T) {
	server, _ := newTestHub(t, map[string]string{"config.json": "{}"})
	repo := New("owner/model").WithEndpoint(server.URL).WithCacheDir(t.TempDir())
	filePath := filepath.Join(t.TempDir(), "config.json")
	var finishedCount int
	var lastErr error
	err := repo.download(context.Background(), server.URL+"/owner/model/resolve/abc123/config.json", filePath,
		func(downloadedBytes, totalBytes int64, finished bool, err error) {
			if finished {
				finishedCount++
				lastErr = err
			}
		})
	require.NoError(t, err)
	assert.Equal(t, 1, finishedCount)
	assert.NoError(t, lastErr)
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))

	err = repo.download(context.Background(), server.URL+"/owner/model/resolve/abc123/missing.bin", filePath, nil)
	assert.Error(t, err)
}
