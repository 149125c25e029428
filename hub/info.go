package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RepoInfo holds the parts used by this module of the json served by the Hub at
// https://huggingface.co/api/<repo_type>/<model_id>/revision/<revision>.
type RepoInfo struct {
	ID         string      `json:"id"`
	Author     string      `json:"author"`
	CommitHash string      `json:"sha"`
	Tags       []string    `json:"tags"`
	Siblings   []*FileInfo `json:"siblings"`

	// PipelineTag is the task of the model, e.g. "fill-mask" or "text-generation".
	PipelineTag string `json:"pipeline_tag"`

	// Config is a summary of the model's "config.json".
	Config ModelConfigInfo `json:"config"`
}

// FileInfo represents one of the model file, in the Info structure.
type FileInfo struct {
	Name string `json:"rfilename"`
}

// ModelConfigInfo is the summary of "config.json" included in the repo info.
type ModelConfigInfo struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
}

// Info returns the RepoInfo structure about the model, downloading it first if needed.
//
// It returns nil if the info couldn't be downloaded: use DownloadInfo to get the error.
func (r *Repo) Info() *RepoInfo {
	if r.info == nil {
		if err := r.DownloadInfo(false); err != nil {
			klog.Errorf("Error while downloading info about repo %q: %+v", r, err)
		}
	}
	return r.info
}

// infoURL for the API that returns the info about a repository.
func (r *Repo) infoURL() string {
	return fmt.Sprintf("%s/api/%s/%s/revision/%s", r.hfEndpoint, r.repoType, r.ID, r.revision)
}

// infoFilePath is where the info json of the revision is cached: "<repo cache>/info/<revision>".
func (r *Repo) infoFilePath() (string, error) {
	dir, err := r.repoCacheDir()
	if err != nil {
		return "", err
	}
	dir = path.Join(dir, "info")
	if err = os.MkdirAll(dir, DefaultDirCreationPerm); err != nil {
		return "", errors.Wrapf(err, "while creating info directory %q", dir)
	}
	return path.Join(dir, r.revision), nil
}

// DownloadInfo about the model, if it hasn't been loaded yet, and caches it on disk.
//
// Repos backed by a local directory (NewFromDir) build their info from the directory listing instead.
// If forceDownload is true, both the loaded and the cached info are ignored and downloaded again.
func (r *Repo) DownloadInfo(forceDownload bool) error {
	if r.info != nil && !forceDownload {
		return nil
	}
	if r.IsLocal() {
		return r.listLocalInfo()
	}

	infoPath, err := r.infoFilePath()
	if err != nil {
		return err
	}
	if err = r.lockedDownload(context.Background(), r.infoURL(), infoPath, forceDownload, nil); err != nil {
		return errors.WithMessagef(err, "failed to download info of repo %q", r)
	}
	newInfo, err := readInfoFile(infoPath)
	if err != nil {
		return errors.WithMessagef(err, "downloaded from %q, remove the file to have it downloaded again", r.infoURL())
	}
	r.info = newInfo
	return nil
}

func readInfoFile(infoPath string) (*RepoInfo, error) {
	content, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read repo info %q", infoPath)
	}
	info := &RepoInfo{}
	if err = json.Unmarshal(content, info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse repo info %q", infoPath)
	}
	return info, nil
}

// listLocalInfo builds the RepoInfo of a local directory repo: every regular file under it is a sibling,
// except inside hidden directories (like ".git").
func (r *Repo) listLocalInfo() error {
	newInfo := &RepoInfo{ID: r.ID}
	err := filepath.WalkDir(r.localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != r.localDir && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.localDir, p)
		if err != nil {
			return err
		}
		newInfo.Siblings = append(newInfo.Siblings, &FileInfo{Name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "failed to list files of local repo in %q", r.localDir)
	}
	r.info = newInfo
	return nil
}
