package hub

import (
	"context"
	"math/rand"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/gomlx/gomlx/ml/data/downloader"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/internal/files"
	"k8s.io/klog/v2"
)

// getDownloadManager returns current downloader.Manager, or creates a new one for this Repo.
func (r *Repo) getDownloadManager() *downloader.Manager {
	if r.downloadManager == nil {
		r.downloadManager = downloader.New().MaxParallel(r.MaxParallelDownload).WithAuthToken(r.authToken)
		if r.Verbosity > 1 {
			klog.Infof("Created download manager for %q (%s)", r, DefaultHttpUserAgent())
		}
	}
	return r.downloadManager
}

// lockedDownload downloads url to filePath, unless filePath already exists and forceDownload is false.
//
// The contents are first written to a temporary file in the same directory, and renamed to filePath once
// complete, so filePath is never partially written. A filePath+".lock" file serializes processes sharing
// the cache.
func (r *Repo) lockedDownload(ctx context.Context, url, filePath string, forceDownload bool, progressCallback downloader.ProgressCallback) error {
	if files.Exists(filePath) {
		if !forceDownload {
			return nil
		}
		if err := os.Remove(filePath); err != nil {
			return errors.Wrapf(err, "failed to remove %q while force-downloading %q", filePath, url)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := path.Dir(filePath)
	if err := os.MkdirAll(dir, DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	lock, err := acquireFileLock(ctx, filePath+".lock")
	if err != nil {
		return errors.WithMessagef(err, "while waiting to download %q", url)
	}
	defer lock.release()

	if files.Exists(filePath) {
		// Downloaded by another process while we waited for the lock.
		return nil
	}

	// The session id identifies which run left behind an interrupted download.
	tmpFile, err := os.CreateTemp(dir, path.Base(filePath)+"."+SessionId+".*.downloading")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := tmpFile.Name()
	// The download manager writes to the path, not to our handle.
	if err = tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temporary file %q", tmpPath)
	}
	renamed := false
	defer func() {
		if !renamed {
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, err)
			}
		}
	}()

	if r.Verbosity > 1 {
		klog.Infof("Downloading %q to %q", url, filePath)
	}
	if err = r.download(ctx, url, tmpPath, progressCallback); err != nil {
		return errors.WithMessagef(err, "while downloading %q to %q", url, tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to move downloaded file %q to %q", tmpPath, filePath)
	}
	renamed = true
	lock.removeOnRelease = true
	return nil
}

// fileLock is an exclusive advisory lock (flock) on a file.
type fileLock struct {
	path            string
	f               *os.File
	removeOnRelease bool
}

// acquireFileLock creates (if needed) and locks lockPath. While the lock is held by someone else, it polls
// every 1 to 2 seconds (randomly), until the lock is acquired or ctx is done.
func acquireFileLock(ctx context.Context, lockPath string) (*fileLock, error) {
	f, err := os.OpenFile(lockPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, DefaultFileCreationPerm)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock file %q", lockPath)
	}
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &fileLock{path: lockPath, f: f}, nil
		}
		if !errors.Is(err, syscall.EAGAIN) {
			_ = f.Close()
			return nil, errors.Wrapf(err, "failed to lock %q", lockPath)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, errors.Wrapf(ctx.Err(), "while waiting for lock %q", lockPath)
		case <-time.After(time.Millisecond * time.Duration(1000+rand.Intn(1000))):
		}
	}
}

// release unlocks and closes the lock file. Failures are only logged: the lock is released by the
// system when the file is closed anyway.
func (l *fileLock) release() {
	if l.removeOnRelease {
		// The target exists, so no one else needs the lock file from now on.
		if err := os.Remove(l.path); err != nil {
			klog.Warningf("Failed removing lock file %q: %v", l.path, err)
		}
	}
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		klog.Warningf("Failed unlocking %q: %v", l.path, err)
	}
	if err := l.f.Close(); err != nil {
		klog.Warningf("Failed closing lock file %q: %v", l.path, err)
	}
}

// download url to filePath with the download manager, and waits for it to finish. The progressCallback, if
// not nil, is called with every progress report.
//
// If ctx is done first, the download is cancelled, and download returns once the manager acknowledges it.
func (r *Repo) download(ctx context.Context, url, filePath string, progressCallback downloader.ProgressCallback) error {
	done := make(chan error, 1)
	var once sync.Once
	canceller := r.getDownloadManager().Download(url, filePath,
		func(downloadedBytes, totalBytes int64, finished bool, err error) {
			if progressCallback != nil {
				progressCallback(downloadedBytes, totalBytes, finished, err)
			}
			if finished {
				// Reports after the first finished one (e.g. after a cancellation) are ignored.
				once.Do(func() { done <- err })
			}
		})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		canceller.Trigger()
		<-done
		return ctx.Err()
	}
}
