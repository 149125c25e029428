package hub

import (
	"context"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data/downloader"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/internal/files"
	"k8s.io/klog/v2"
)

// IterFileNames iterate over the file names stored in the repo.
// It doesn't trigger the downloading of the repo, only of the repo info.
func (r *Repo) IterFileNames() iter.Seq2[string, error] {
	// Download info and files.
	err := r.DownloadInfo(false)
	if err != nil {
		// Error downloading: yield error only.
		return func(yield func(string, error) bool) {
			yield("", err)
		}
	}
	return func(yield func(string, error) bool) {
		for _, si := range r.info.Siblings {
			fileName := si.Name
			if path.IsAbs(fileName) || strings.Contains(fileName, "..") {
				yield("", errors.Errorf("model %q contains illegal file name %q -- it cannot be an absolute path, nor contain \"..\"",
					r.ID, fileName))
				return
			}
			if !yield(fileName, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repo has the given file name. It only requires the repo info to be available.
//
// If the repo info cannot be downloaded, it logs the error and returns false.
func (r *Repo) HasFile(fileName string) bool {
	for name, err := range r.IterFileNames() {
		if err != nil {
			klog.Errorf("Failed to list files of repo %q: %+v", r, err)
			return false
		}
		if name == fileName {
			return true
		}
	}
	return false
}

// cleanRelativeFilePath returns fileName as a clean relative path, with the OS separator, that cannot
// escape the directory it is joined to.
func cleanRelativeFilePath(fileName string) string {
	cleaned := path.Clean("/" + fileName)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		cleaned = "."
	}
	return filepath.FromSlash(cleaned)
}

// DownloadFiles downloads the repository files, and return the path to the downloaded files in the cache structure.
// The returned downloadPaths can be read, but shouldn't be modified, since there may be other programs using the same
// files.
//
// For repos backed by a local directory, it only checks that the files exist and returns their paths.
func (r *Repo) DownloadFiles(fileNames ...string) (downloadedPaths []string, err error) {
	if len(fileNames) == 0 {
		return
	}
	downloadedPaths = make([]string, len(fileNames))

	if r.IsLocal() {
		for ii, fileName := range fileNames {
			filePath := filepath.Join(r.localDir, cleanRelativeFilePath(fileName))
			if !files.Exists(filePath) {
				return nil, errors.Errorf("file %q not found in local repo %q", fileName, r.localDir)
			}
			downloadedPaths[ii] = filePath
		}
		return
	}

	var snapshotsDir string
	snapshotsDir, err = r.repoSnapshotsDir()
	if err != nil {
		return nil, err
	}

	// All URLs are resolved before any download starts, so an error leaves nothing running.
	type pending struct{ fileName, url, filePath string }
	var toDownload []pending
	for ii, fileName := range fileNames {
		filePath := filepath.Join(snapshotsDir, cleanRelativeFilePath(fileName))
		downloadedPaths[ii] = filePath
		if files.Exists(filePath) {
			continue
		}
		url, err := r.FileURL(fileName)
		if err != nil {
			return nil, err
		}
		toDownload = append(toDownload, pending{fileName, url, filePath})
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	ctx := context.Background()
	_ = r.getDownloadManager() // Created before the downloads start in parallel.
	for _, p := range toDownload {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.lockedDownload(ctx, p.url, p.filePath, false, r.progressCallback(p.fileName))
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = errors.WithMessagef(err, "while downloading %q from repo %q", p.fileName, r.ID)
				}
				errMu.Unlock()
				return
			}
			if r.Verbosity > 0 {
				if fi, statErr := os.Stat(p.filePath); statErr == nil {
					klog.Infof("Downloaded %q from %q (%s)", p.fileName, r.ID, humanize.Bytes(uint64(fi.Size())))
				}
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return
}

// progressCallback returns a callback that logs the download progress of fileName at every quarter, if
// the progress bar is enabled (see WithProgressBar). Otherwise, it returns nil.
func (r *Repo) progressCallback(fileName string) downloader.ProgressCallback {
	if !r.useProgressBar {
		return nil
	}
	var mu sync.Mutex
	lastQuarter := -1
	return func(downloadedBytes, totalBytes int64, finished bool, err error) {
		if err != nil || totalBytes <= 0 {
			return
		}
		quarter := int(4 * downloadedBytes / totalBytes)
		mu.Lock()
		defer mu.Unlock()
		if quarter <= lastQuarter {
			return
		}
		lastQuarter = quarter
		klog.Infof("%s: %s of %s (%d%%)", fileName, humanize.Bytes(uint64(downloadedBytes)),
			humanize.Bytes(uint64(totalBytes)), 25*quarter)
	}
}

// DownloadFile is a shortcut to DownloadFiles with only one file.
func (r *Repo) DownloadFile(file string) (downloadedPath string, err error) {
	res, err := r.DownloadFiles(file)
	if err != nil {
		return "", err
	}
	return res[0], nil
}
