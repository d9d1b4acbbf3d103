package textfilecontent

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath normalizes an object path by:
// - Resolving . and .. components
// - Converting relative paths to absolute using cwd, or the process working
//   directory when cwd is empty
// - Preserving symlinks (not following them)
func NormalizePath(path, cwd string) string {
	if path == "" {
		return ""
	}

	if filepath.IsAbs(path) {
		return cleanPath(path)
	}

	workDir := cwd
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	if workDir == "" {
		return cleanPath("/" + path)
	}
	return cleanPath(filepath.Join(workDir, path))
}

// cleanPath removes . and .. components without following symlinks.
func cleanPath(path string) string {
	if path == "" {
		return ""
	}

	cleaned := filepath.Clean(path)

	if !strings.HasPrefix(cleaned, "/") && strings.HasPrefix(path, "/") {
		cleaned = "/" + cleaned
	}

	// /../foo becomes /foo
	for strings.HasPrefix(cleaned, "/../") {
		cleaned = "/" + cleaned[4:]
	}
	if cleaned == "/.." {
		cleaned = "/"
	}

	return cleaned
}

// IsExcluded checks if a path should be skipped based on the provided prefixes.
func IsExcluded(path string, excludePrefixes []string) bool {
	for _, prefix := range excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// DefaultExclusions returns the path prefixes never walked by default.
// Pseudo filesystems have no stable content to check.
func DefaultExclusions() []string {
	return []string{
		"/proc/",
		"/sys/",
		"/dev/",
	}
}

// joinFilepath joins a directory and a file name without doubling the
// separator.
func joinFilepath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}
