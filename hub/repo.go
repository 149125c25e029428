package hub

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/ml/data/downloader"
	"github.com/pkg/errors"
	"github.com/textcls/mlmc/internal/files"
	"k8s.io/klog/v2"
)

// DefaultEndpoint of the HuggingFace Hub, overridden by the HF_ENDPOINT environment variable.
const DefaultEndpoint = "https://huggingface.co"

// Repo is a HuggingFace Hub repository (or a local directory with the same layout) from which model files
// are read. Create it with New, NewFromDir or NewFromIdOrDir, and configure it with the With* methods.
type Repo struct {
	// ID of the Repo may include owner/model. E.g.: google-bert/bert-base-uncased
	ID string

	// Verbosity: 0 for quiet operation; 1 for information about progress; 2 and higher for debugging.
	Verbosity int

	// MaxParallelDownload limits the number of files downloaded at the same time. Default is 20.
	// If set to <= 0 all files are downloaded in parallel.
	MaxParallelDownload int

	hfEndpoint string
	repoType   RepoType
	revision   string // Branch name or commit-hash.
	authToken  string
	cacheDir   string

	// localDir, if set, holds the repository files directly and nothing is ever downloaded.
	localDir string

	// info is only available after DownloadInfo is called.
	info *RepoInfo

	downloadManager *downloader.Manager
	useProgressBar  bool
}

// New creates a reference to a HuggingFace model given its id, e.g. "google-bert/bert-base-uncased".
// Legacy ids without owner, like "gpt2" or "xlnet-base-cased", are also accepted by the Hub.
//
// Files are cached in DefaultCacheDir, shared with the python huggingface_hub library.
// The endpoint is read from HF_ENDPOINT and the authentication token from HF_TOKEN, if set.
func New(id string) *Repo {
	endpoint := os.Getenv("HF_ENDPOINT")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Repo{
		ID:                  id,
		Verbosity:           1,
		MaxParallelDownload: 20,
		hfEndpoint:          strings.TrimSuffix(endpoint, "/"),
		repoType:            RepoTypeModel,
		revision:            "main",
		authToken:           os.Getenv("HF_TOKEN"),
		cacheDir:            DefaultCacheDir(),
	}
}

// NewFromDir creates a Repo backed by a local directory, e.g. one produced by `save_pretrained` or a
// `git clone` of a HuggingFace repository. Nothing is downloaded: the directory listing is the list of files.
func NewFromDir(dir string) *Repo {
	r := New(path.Base(path.Clean(dir)))
	if newDir, err := files.ReplaceTildeInDir(dir); err == nil {
		dir = newDir
	} else {
		klog.Warningf("Failed to resolve directory for %q: %+v", dir, err)
	}
	r.localDir = path.Clean(dir)
	return r
}

// NewFromIdOrDir returns NewFromDir if idOrDir is an existing directory, and New otherwise.
func NewFromIdOrDir(idOrDir string) *Repo {
	if fi, err := os.Stat(idOrDir); err == nil && fi.IsDir() {
		return NewFromDir(idOrDir)
	}
	return New(idOrDir)
}

// IsLocal returns whether the Repo is backed by a local directory (see NewFromDir).
func (r *Repo) IsLocal() bool {
	return r.localDir != ""
}

// WithAuth sets the authentication token to use during downloads. An empty token disables authentication.
func (r *Repo) WithAuth(authToken string) *Repo {
	r.authToken = authToken
	return r
}

// WithType sets the repository type, RepoTypeModel by default.
func (r *Repo) WithType(repoType RepoType) *Repo {
	r.repoType = repoType
	return r
}

// WithEndpoint sets the HuggingFace endpoint to use.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	r.hfEndpoint = strings.TrimSuffix(endpoint, "/")
	return r
}

// WithRevision sets the branch name or commit-hash to use, "main" by default.
func (r *Repo) WithRevision(revision string) *Repo {
	r.revision = revision
	return r
}

// WithCacheDir sets the cache directory, DefaultCacheDir by default. A leading "~" is expanded.
func (r *Repo) WithCacheDir(cacheDir string) *Repo {
	newCacheDir, err := files.ReplaceTildeInDir(cacheDir)
	if err != nil {
		klog.Warningf("Failed to resolve directory for %q: %+v", cacheDir, err)
		return r
	}
	r.cacheDir = path.Clean(newCacheDir)
	return r
}

// WithDownloadManager sets the downloader.Manager to use, so it can be shared among Repos to coordinate
// limits. If not set, one is created on the first download.
func (r *Repo) WithDownloadManager(manager *downloader.Manager) *Repo {
	r.downloadManager = manager
	return r
}

// WithProgressBar configures logging of the download progress of each file. Defaults to false.
func (r *Repo) WithProgressBar(useProgressBar bool) *Repo {
	r.useProgressBar = useProgressBar
	return r
}

// flatFolderName returns the repo type and id as a single folder name, the same used by
// huggingface_hub's repo_folder_name: e.g. "models--google-bert--bert-base-uncased".
func (r *Repo) flatFolderName() string {
	return strings.Join(append([]string{string(r.repoType)}, strings.Split(r.ID, "/")...), RepoIdSeparator)
}

// repoCacheDir returns the cache subdirectory for the repository, creating it if needed.
func (r *Repo) repoCacheDir() (string, error) {
	dir := path.Join(r.cacheDir, r.flatFolderName())
	if err := os.MkdirAll(dir, DefaultDirCreationPerm); err != nil {
		return "", errors.Wrapf(err, "while creating cache directory %q", dir)
	}
	return dir, nil
}

// FileURL returns the URL from which the file is downloaded. Local repos have no URLs.
func (r *Repo) FileURL(fileName string) (string, error) {
	if r.IsLocal() {
		return "", errors.Errorf("repo %q is backed by local directory %q, it has no URLs", r.ID, r.localDir)
	}
	commitHash, err := r.commitHash()
	if err != nil {
		return "", err
	}
	prefix := r.hfEndpoint
	if r.repoType != RepoTypeModel {
		prefix = fmt.Sprintf("%s/%s", prefix, r.repoType)
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", prefix, r.ID, commitHash, fileName), nil
}

// commitHash of the revision, from the repository info. If the info has none, the revision is assumed
// to be a commit-hash itself.
func (r *Repo) commitHash() (string, error) {
	if err := r.DownloadInfo(false); err != nil {
		return "", err
	}
	if r.info.CommitHash == "" {
		return r.revision, nil
	}
	return r.info.CommitHash, nil
}

// repoSnapshotsDir returns the snapshots directory for this repo at its revision, creating it if needed.
func (r *Repo) repoSnapshotsDir() (string, error) {
	cacheDir, err := r.repoCacheDir()
	if err != nil {
		return "", err
	}
	commitHash, err := r.commitHash()
	if err != nil {
		return "", err
	}
	snapshotsDir := path.Join(cacheDir, "snapshots", commitHash)
	if err = os.MkdirAll(snapshotsDir, DefaultDirCreationPerm); err != nil {
		return "", errors.Wrapf(err, "while creating snapshots directory %q", snapshotsDir)
	}
	return snapshotsDir, nil
}

// String implements fmt.Stringer: the local directory for local repos, and the id otherwise.
func (r *Repo) String() string {
	if r.IsLocal() {
		return r.localDir
	}
	return r.ID
}
