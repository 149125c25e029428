// Package hub can be used to download files from HuggingFace Hub, which may
// be model configurations, weights, tokenizers or anything.
//
// It shares the cache structure (usually under "~/.cache/huggingface/hub") with the huggingface_hub
// python library, and it can also point to a plain local directory holding the model files.
package hub

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/textcls/mlmc"
)

// SessionId identifies this run of the program in the user agent sent to the Hub.
var SessionId = strings.ReplaceAll(uuid.NewString(), "-", "")

var (
	// DefaultDirCreationPerm is used when creating new cache subdirectories.
	DefaultDirCreationPerm = os.FileMode(0755)

	// DefaultFileCreationPerm is used when creating files inside the cache subdirectories.
	DefaultFileCreationPerm = os.FileMode(0644)
)

// DefaultCacheDir for HuggingFace Hub, resolved the same way as the python library:
//
//  1. `${HF_HUB_CACHE}`, if set;
//  2. `${HF_HOME}/hub`, if HF_HOME is set;
//  3. `${XDG_CACHE_HOME}/huggingface/hub`, with XDG_CACHE_HOME defaulting to `~/.cache`.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return path.Join(home, "hub")
	}
	cacheHome := os.Getenv("XDG_CACHE_HOME")
	if cacheHome == "" {
		cacheHome = path.Join(os.Getenv("HOME"), ".cache")
	}
	return path.Join(cacheHome, "huggingface", "hub")
}

// DefaultHttpUserAgent returns a user agent to use with HuggingFace Hub API.
func DefaultHttpUserAgent() string {
	return fmt.Sprintf("mlmc/%v; golang/%s; session_id/%s", mlmc.Version, runtime.Version(), SessionId)
}

// RepoIdSeparator is used to separate repository/model names parts when mapping to file names.
const RepoIdSeparator = "--"

// RepoType supported by HuggingFace-Hub
type RepoType string

const (
	RepoTypeDataset RepoType = "datasets"
	RepoTypeSpace   RepoType = "spaces"
	RepoTypeModel   RepoType = "models"
)
