package securefs

import (
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/logging"
)

var logger = logging.ForService("securefs")

// SecureFS provides filesystem operations with path validation using
// os.Root for OS-level filesystem sandboxing.
//
// The media tree holds patient x-rays and generated reports, so every
// path that reaches the filesystem goes through this type. os.Root
// enforces the access boundary at the OS level, which prevents:
// - directory traversal using "../" or other relative components
// - access via symlinks that point outside the base directory
// - time-of-check/time-of-use races
type SecureFS struct {
	baseDir         string     // The base directory that all operations are restricted to
	root            *os.Root   // The sandboxed filesystem root
	cache           *PathCache // Memoization cache for expensive path operations
	maxReadFileSize int64      // Maximum file size for ReadFile (0 = unlimited)
}

// New creates a new secure filesystem rooted at baseDir. All operations
// through the returned SecureFS are restricted to that directory.
func New(baseDir string) (*SecureFS, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	// Owner writes, group reads; patient media is never world-readable
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	root, err := os.OpenRoot(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem sandbox: %w", err)
	}

	return &SecureFS{
		baseDir: absPath,
		root:    root,
		cache:   NewPathCache(),
	}, nil
}

// IsPathWithinBase checks if targetPath is within or equal to basePath
func IsPathWithinBase(basePath, targetPath string) (bool, error) {
	return IsPathWithinBaseWithCache(nil, basePath, targetPath)
}

// resolveAbsPath resolves a path to absolute, using cache if available
func resolveAbsPath(cache *PathCache, path string) (string, error) {
	return cache.GetAbsPath(path, filepath.Abs)
}

// resolveSymlinks resolves symlinks for a path, using cache if available
func resolveSymlinks(cache *PathCache, path string) string {
	resolved, err := cache.GetSymlinkResolution(path, filepath.EvalSymlinks)
	if err == nil {
		return resolved
	}
	return path
}

// resolveParentSymlinks attempts to resolve symlinks in parent directories
// when the full path cannot be resolved (e.g., file doesn't exist yet)
func resolveParentSymlinks(cache *PathCache, absTarget string) string {
	dir := filepath.Dir(absTarget)

	for dir != "/" && dir != "." && dir != "" {
		resolvedDir := resolveSymlinks(cache, dir)
		if resolvedDir != dir {
			// A parent directory is a symlink; reconstruct the target
			// with the resolved parent
			return filepath.Join(resolvedDir, filepath.Base(absTarget))
		}
		dir = filepath.Dir(dir)
	}
	return absTarget
}

// isPathPrefix checks if target is within or equal to base
func isPathPrefix(absBase, absTarget string) bool {
	return strings.HasPrefix(absTarget, absBase+string(filepath.Separator)) || absTarget == absBase
}

// IsPathWithinBaseWithCache checks if targetPath is within or equal to basePath with optional caching
func IsPathWithinBaseWithCache(cache *PathCache, basePath, targetPath string) (bool, error) {
	absBase, err := resolveAbsPath(cache, basePath)
	if err != nil {
		return false, fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := resolveAbsPath(cache, targetPath)
	if err != nil {
		return false, fmt.Errorf("failed to resolve target path: %w", err)
	}

	absBase = filepath.Clean(absBase)
	absTarget = filepath.Clean(absTarget)

	if !filepath.IsLocal(filepath.Base(absTarget)) {
		return false, nil
	}

	// For paths that don't exist yet, only a string prefix comparison is possible
	if _, err := os.Stat(absTarget); os.IsNotExist(err) {
		return isPathPrefix(absBase, absTarget), nil
	}

	// Resolve symlinks for existing paths
	absBase = resolveSymlinks(cache, absBase)
	resolved := resolveSymlinks(cache, absTarget)

	// If target symlink resolution failed, try resolving parent directories
	if resolved == absTarget {
		absTarget = resolveParentSymlinks(cache, absTarget)
	} else {
		absTarget = resolved
	}

	absBase = filepath.Clean(absBase)
	absTarget = filepath.Clean(absTarget)

	return isPathPrefix(absBase, absTarget), nil
}

// IsPathValidWithinBase is a helper that checks if a path is within a base
// directory and returns an error if not
func IsPathValidWithinBase(baseDir, path string) error {
	isWithin, err := IsPathWithinBase(baseDir, path)
	if err != nil {
		// A missing target is not a security error; retention cleanup
		// routinely checks paths that are already gone
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("path validation error: %w", err)
	}

	if !isWithin {
		return fmt.Errorf("%w: path %s is outside allowed directory %s",
			ErrPathTraversal, path, baseDir)
	}

	return nil
}

// RelativePath converts an absolute path to a path relative to the base
// directory and validates it against the SecureFS root.
func (sfs *SecureFS) RelativePath(path string) (string, error) {
	path = filepath.Clean(path)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	// os.Root already guards against traversal at the OS level; this
	// validation is a second, cheaper gate in front of it
	if !filepath.IsLocal(filepath.Base(absPath)) {
		return "", fmt.Errorf("%w: path contains invalid components", ErrInvalidPath)
	}

	cacheKey := fmt.Sprintf("%s|%s", sfs.baseDir, absPath)
	isWithin, err := sfs.cache.GetWithinBase(cacheKey, func() (bool, error) {
		return IsPathWithinBaseWithCache(sfs.cache, sfs.baseDir, absPath)
	})
	if err != nil {
		return "", fmt.Errorf("path validation error: %w", err)
	}

	if !isWithin {
		return "", fmt.Errorf("%w: path %s is outside allowed directory %s", ErrPathTraversal, path, sfs.baseDir)
	}

	relPath, err := filepath.Rel(sfs.baseDir, absPath)
	if err != nil {
		return "", fmt.Errorf("failed to make path relative: %w", err)
	}

	// A leading slash would make a relative path be treated as absolute
	relPath = strings.TrimPrefix(relPath, string(filepath.Separator))

	return relPath, nil
}

// ValidateRelativePath validates a path assumed to be relative to the base
// directory. It returns a cleaned, validated path or an error.
func (sfs *SecureFS) ValidateRelativePath(relPath string) (string, error) {
	return sfs.cache.GetValidatePath(relPath, func(path string) (string, error) {
		cleanedPath := filepath.Clean(path)

		if filepath.IsAbs(cleanedPath) {
			return "", fmt.Errorf("%w: path must be relative, but got '%s' after cleaning '%s'",
				ErrInvalidPath, cleanedPath, path)
		}

		// After cleaning, paths starting with ".." indicate an attempt
		// to go above the root
		if strings.HasPrefix(cleanedPath, ".."+string(filepath.Separator)) || cleanedPath == ".." {
			return "", fmt.Errorf("%w: '%s' (cleaned from '%s')",
				ErrPathTraversal, cleanedPath, path)
		}

		cleanedPath = strings.TrimPrefix(cleanedPath, string(filepath.Separator))

		return cleanedPath, nil
	})
}

// createDirComponent attempts to create a single directory component,
// ignoring "already exists" errors
func (sfs *SecureFS) createDirComponent(path string, perm os.FileMode) error {
	err := sfs.root.Mkdir(path, perm)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create directory component %s: %w", path, err)
	}
	return nil
}

// MkdirAll creates a directory and all necessary parent directories with path validation
func (sfs *SecureFS) MkdirAll(path string, perm os.FileMode) error {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return err
	}

	if relPath == "" || relPath == "." {
		return nil
	}

	components := strings.Split(relPath, string(filepath.Separator))
	currentPath := ""

	for _, component := range components {
		if component == "" {
			continue
		}

		currentPath = filepath.Join(currentPath, component)
		if err := sfs.createDirComponent(currentPath, perm); err != nil {
			return err
		}
	}

	return nil
}

// removeAllRelative removes a path using an already-validated relative path
func (sfs *SecureFS) removeAllRelative(relPath string) error {
	info, err := sfs.root.Stat(relPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return sfs.root.Remove(relPath)
	}

	return sfs.removeDirContents(relPath)
}

// removeDirContents removes all contents of a directory and then the directory itself
func (sfs *SecureFS) removeDirContents(relPath string) error {
	dir, err := sfs.root.Open(relPath)
	if err != nil {
		return err
	}

	entries, err := dir.ReadDir(0)
	if closeErr := dir.Close(); closeErr != nil {
		logger.Warn("failed to close directory", "path", relPath, "error", closeErr)
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		childPath := filepath.Join(relPath, entry.Name())
		if err := sfs.removeAllRelative(childPath); err != nil {
			return err
		}
	}

	return sfs.root.Remove(relPath)
}

// RemoveAll removes a directory and all its contents with path validation.
// Each file and directory is removed through os.Root so the security
// boundary holds throughout the walk.
func (sfs *SecureFS) RemoveAll(path string) error {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return err
	}
	return sfs.removeAllRelative(relPath)
}

// Remove removes a file with path validation
func (sfs *SecureFS) Remove(path string) error {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return err
	}

	return sfs.root.Remove(relPath)
}

// Rename renames (moves) oldpath to newpath within the sandbox.
func (sfs *SecureFS) Rename(oldpath, newpath string) error {
	oldRelPath, err := sfs.RelativePath(oldpath)
	if err != nil {
		return err
	}

	newRelPath, err := sfs.RelativePath(newpath)
	if err != nil {
		return err
	}

	return sfs.root.Rename(oldRelPath, newRelPath)
}

// OpenFile opens a file with path validation
func (sfs *SecureFS) OpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return nil, err
	}

	return sfs.root.OpenFile(relPath, flag, perm)
}

// Open opens a file for reading with path validation
func (sfs *SecureFS) Open(path string) (*os.File, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return nil, err
	}

	return sfs.root.Open(relPath)
}

// OpenRoot opens a subdirectory as a new Root for further operations,
// restricting subsequent access to that subdirectory
func (sfs *SecureFS) OpenRoot(path string) (*os.Root, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return nil, err
	}

	return sfs.root.OpenRoot(relPath)
}

// Stat returns file info with path validation
func (sfs *SecureFS) Stat(path string) (fs.FileInfo, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return nil, err
	}

	return sfs.root.Stat(relPath)
}

// Lstat returns file info without following symlinks
func (sfs *SecureFS) Lstat(path string) (fs.FileInfo, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return nil, err
	}

	return sfs.root.Lstat(relPath)
}

// StatRel returns file info for a path assumed to be relative to the base directory.
func (sfs *SecureFS) StatRel(relPath string) (fs.FileInfo, error) {
	validatedRelPath, err := sfs.ValidateRelativePath(relPath)
	if err != nil {
		return nil, err
	}

	return sfs.cache.GetStat(validatedRelPath, func(path string) (fs.FileInfo, error) {
		return sfs.root.Stat(path)
	})
}

// Exists checks if a path exists with validation
func (sfs *SecureFS) Exists(path string) (bool, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return false, err
	}

	_, err = sfs.root.Stat(relPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// ExistsNoErr is a convenience method that returns only a boolean.
// Security errors are logged rather than returned.
func (sfs *SecureFS) ExistsNoErr(path string) bool {
	exists, err := sfs.Exists(path)
	if err != nil {
		logger.Warn("failed to validate path in exists check", "path", path, "error", err)
		return false
	}
	return exists
}

// SetMaxReadFileSize sets the maximum file size that ReadFile will read.
// A value of 0 means unlimited.
func (sfs *SecureFS) SetMaxReadFileSize(maxSize int64) {
	sfs.maxReadFileSize = maxSize
}

// GetMaxReadFileSize returns the current maximum file size for ReadFile.
func (sfs *SecureFS) GetMaxReadFileSize() int64 {
	return sfs.maxReadFileSize
}

// ErrFileTooLarge is returned when a file exceeds the configured size limit
var ErrFileTooLarge = errors.NewStd("file size exceeds maximum allowed size")

// ReadFile reads a file with path validation and returns its contents.
// If maxReadFileSize is set (> 0), larger files return ErrFileTooLarge.
func (sfs *SecureFS) ReadFile(path string) ([]byte, error) {
	file, err := sfs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warn("failed to close file", "error", err)
		}
	}()

	if sfs.maxReadFileSize > 0 {
		stat, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		if stat.Size() > sfs.maxReadFileSize {
			return nil, fmt.Errorf("%w: file is %d bytes, limit is %d bytes",
				ErrFileTooLarge, stat.Size(), sfs.maxReadFileSize)
		}
	}

	return io.ReadAll(file)
}

// WriteFile writes data to a file with path validation
func (sfs *SecureFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	file, err := sfs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warn("failed to close file", "error", err)
		}
	}()

	_, err = file.Write(data)
	return err
}

// mapOpenErrorToHTTP converts file open errors to appropriate HTTP errors
func mapOpenErrorToHTTP(err error, effectivePath string) *echo.HTTPError {
	switch {
	case errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("File not found: %s", effectivePath))
	case errors.Is(err, fs.ErrPermission) || errors.Is(err, os.ErrPermission) || errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied")
	case errors.Is(err, ErrPathTraversal) || errors.Is(err, ErrInvalidPath):
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid file path").SetInternal(err)
	case errors.Is(err, ErrNotRegularFile):
		return echo.NewHTTPError(http.StatusForbidden, "Not a regular file")
	default:
		logger.Error("unhandled error serving file", "path", effectivePath, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Error serving file").SetInternal(err)
	}
}

// getContentType determines the content type for a file by extension
func getContentType(path string) string {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}

// serveInternal handles the core logic for serving a file using an opener
// function. The opener is responsible for securely opening the file and
// returning the handle, the effective path used, and any error.
func (sfs *SecureFS) serveInternal(c echo.Context, opener func() (*os.File, string, error)) error {
	f, effectivePath, err := opener()
	if err != nil {
		logger.Error("error opening file", "path", effectivePath, "error", err)
		return mapOpenErrorToHTTP(err, effectivePath)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("failed to close file", "error", err)
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		logger.Error("stat error", "path", effectivePath, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get file info").SetInternal(err)
	}

	if !stat.Mode().IsRegular() {
		return echo.NewHTTPError(http.StatusForbidden, "Not a regular file")
	}

	// Only set content type if not already set by the caller
	if c.Response().Header().Get(echo.HeaderContentType) == "" {
		c.Response().Header().Set(echo.HeaderContentType, getContentType(effectivePath))
	}

	http.ServeContent(c.Response(), c.Request(), filepath.Base(effectivePath), stat.ModTime(), f)
	return nil
}

// ServeFile serves a file through an HTTP response. This provides a secure
// alternative to echo.Context.File(). The input path may be absolute or
// relative to the working directory and is validated before use.
func (sfs *SecureFS) ServeFile(c echo.Context, path string) error {
	return sfs.serveInternal(c, func() (*os.File, string, error) {
		relPath, err := sfs.RelativePath(path)
		if err != nil {
			// Validation errors pass through unwrapped so the HTTP
			// mapping can classify them
			return nil, path, err
		}

		file, err := sfs.root.Open(relPath)
		if err != nil {
			return nil, relPath, fmt.Errorf("open failed for %q: %w", relPath, err)
		}
		return file, relPath, nil
	})
}

// ServeRelativeFile serves a file through an HTTP response, assuming the
// input path is already relative to the SecureFS base directory.
func (sfs *SecureFS) ServeRelativeFile(c echo.Context, relPath string) error {
	return sfs.serveInternal(c, func() (*os.File, string, error) {
		validatedRelPath, err := sfs.ValidateRelativePath(relPath)
		if err != nil {
			return nil, relPath, err
		}

		file, err := sfs.root.Open(validatedRelPath)
		if err != nil {
			return nil, validatedRelPath, fmt.Errorf("open failed for %q: %w", validatedRelPath, err)
		}
		return file, validatedRelPath, nil
	})
}

// Close closes the underlying Root
func (sfs *SecureFS) Close() error {
	if sfs.root != nil {
		return sfs.root.Close()
	}
	return nil
}

// ClearExpiredCache removes expired entries from the cache.
// Call periodically to bound memory growth.
func (sfs *SecureFS) ClearExpiredCache() {
	sfs.cache.ClearExpired()
}

// GetCacheStats returns statistics about cache usage for monitoring
func (sfs *SecureFS) GetCacheStats() CacheStats {
	return sfs.cache.GetCacheStats()
}

// StartCacheCleanup starts a background goroutine that periodically cleans
// expired cache entries. Closing the returned channel stops it.
func (sfs *SecureFS) StartCacheCleanup(interval time.Duration) chan<- struct{} {
	stopCh := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sfs.ClearExpiredCache()
			case <-stopCh:
				return
			}
		}
	}()

	return stopCh
}

// ReadDir reads the directory named by path and returns a list of
// directory entries, securely using os.Root.
func (sfs *SecureFS) ReadDir(path string) ([]os.DirEntry, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return nil, err
	}

	if relPath == "" || relPath == "." {
		relPath = "."
	}

	dirFile, err := sfs.root.Open(relPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	defer func() {
		if err := dirFile.Close(); err != nil {
			logger.Warn("failed to close directory", "error", err)
		}
	}()

	entries, err := dirFile.ReadDir(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory entries: %w", err)
	}

	return entries, nil
}

// BaseDir returns the absolute base directory path of the secure filesystem.
func (sfs *SecureFS) BaseDir() string {
	return sfs.baseDir
}

// ParentPath returns the parent directory path for a given path, or empty
// string if the path is at the root of the SecureFS base directory.
func (sfs *SecureFS) ParentPath(path string) (string, error) {
	relPath, err := sfs.RelativePath(path)
	if err != nil {
		return "", err
	}

	if relPath == "" || relPath == "." {
		return "", nil
	}

	parentRelPath := filepath.Dir(relPath)

	if parentRelPath == "." || parentRelPath == relPath {
		return "", nil
	}

	parentAbsPath := filepath.Join(sfs.baseDir, parentRelPath)
	return parentAbsPath, nil
}

// Readlink reads the target of a symbolic link, ensuring the symlink file
// itself is within the SecureFS sandbox.
//
// The returned target string is informational; validation happens when the
// symlink is actually followed (via Open, Stat, etc.).
func (sfs *SecureFS) Readlink(path string) (string, error) {
	path = filepath.Clean(path)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Lstat so we check the symlink file itself rather than its target
	info, err := os.Lstat(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat symlink: %w", err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return "", fmt.Errorf("not a symbolic link: %s", path)
	}

	relPath, err := filepath.Rel(sfs.baseDir, absPath)
	if err != nil {
		return "", fmt.Errorf("%w: failed to make path relative: %w", ErrPathTraversal, err)
	}

	if strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || relPath == ".." {
		return "", fmt.Errorf("%w: symlink path escapes sandbox", ErrPathTraversal)
	}

	relPath = strings.TrimPrefix(relPath, string(filepath.Separator))

	return sfs.root.Readlink(relPath)
}
