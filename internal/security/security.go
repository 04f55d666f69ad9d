// Package security implements the external validator spec §4.7 step 2
// delegates to: path-traversal rejection, blocked extensions, and
// file-size caps, checked before any writes occur.
//
// Grounded directly on original_source/copyd/src/security.rs's
// SecurityValidator/SecurityConfig — this repo keeps its default limits
// and validation order, expressed with Go idioms (an error return instead
// of a Result enum) and the job package's error-kind taxonomy instead of
// the original's CopydError variants.
package security

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/copyd/copyd/internal/job"
)

// Config holds the validator's limits, matching the original's defaults.
type Config struct {
	MaxFileSize        int64
	MaxPathLength       int
	BlockedExtensions   []string
	SystemPaths         []string
}

// DefaultConfig mirrors original_source's SecurityConfig::default().
func DefaultConfig() Config {
	return Config{
		MaxFileSize:      100 * 1024 * 1024 * 1024, // 100 GiB
		MaxPathLength:    4096,
		BlockedExtensions: []string{".exe", ".bat", ".cmd"},
		SystemPaths:       []string{"/proc", "/sys", "/dev"},
	}
}

// Validator checks sources and a destination against Config before an
// executor run touches the filesystem.
type Validator struct {
	cfg Config
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidatePath rejects overlong paths, path-traversal sequences, and
// paths under a configured system directory.
func (v *Validator) ValidatePath(path string) error {
	if len(path) > v.cfg.MaxPathLength {
		return job.NewError(job.KindInvalidRequest, "validate_path", path, errTooLong)
	}
	if strings.Contains(path, "..") {
		return job.NewError(job.KindInvalidRequest, "validate_path", path, errPathTraversal)
	}
	for _, sys := range v.cfg.SystemPaths {
		if withinPath(sys, path) {
			return job.NewError(job.KindPrecondition, "validate_path", path, errSystemPath)
		}
	}
	return nil
}

// ValidateExtension rejects a blocked file extension, case-insensitively.
func (v *Validator) ValidateExtension(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return nil
	}
	for _, blocked := range v.cfg.BlockedExtensions {
		if ext == blocked {
			return job.NewError(job.KindInvalidRequest, "validate_extension", path, errBlockedExtension)
		}
	}
	return nil
}

// ValidateSize rejects a file larger than MaxFileSize.
func (v *Validator) ValidateSize(path string, size int64) error {
	if v.cfg.MaxFileSize > 0 && size > v.cfg.MaxFileSize {
		return job.NewError(job.KindPrecondition, "validate_size", path, errSizeLimit)
	}
	return nil
}

// ValidateOperation runs the full pre-flight check spec §4.7 step 2
// requires: validate the destination path, then each source's path,
// extension, and size (for a source that is a regular file; files inside
// a source directory are not size-checked), and reject a source identical
// to the destination.
func (v *Validator) ValidateOperation(sources []string, dest string) error {
	if err := v.ValidatePath(dest); err != nil {
		return err
	}
	for _, src := range sources {
		if err := v.ValidatePath(src); err != nil {
			return err
		}
		if err := v.ValidateExtension(src); err != nil {
			return err
		}
		if info, err := os.Stat(src); err == nil && info.Mode().IsRegular() {
			if err := v.ValidateSize(src, info.Size()); err != nil {
				return err
			}
		}
		if filepath.Clean(src) == filepath.Clean(dest) {
			return job.NewError(job.KindInvalidRequest, "validate_operation", src, errSameSourceDest)
		}
	}
	return nil
}

func withinPath(root, path string) bool {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(path)
	if cleanPath == cleanRoot {
		return true
	}
	rel, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const (
	errTooLong           sentinelErr = "path exceeds maximum length"
	errPathTraversal     sentinelErr = "path traversal sequence rejected"
	errSystemPath        sentinelErr = "path falls under a protected system directory"
	errBlockedExtension  sentinelErr = "file extension is blocked"
	errSizeLimit         sentinelErr = "file size exceeds configured limit"
	errSameSourceDest    sentinelErr = "source and destination are identical"
)
