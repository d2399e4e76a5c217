package processes

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrSidecarNotFound is wrapped by resolution failures.
var ErrSidecarNotFound = errors.New("sidecar executable not found")

// SidecarResolver maps a logical sidecar name to an executable path.
type SidecarResolver interface {
	Resolve(name string) (string, error)
}

// ResolverFunc adapts a function to SidecarResolver.
type ResolverFunc func(name string) (string, error)

// Resolve calls f(name).
func (f ResolverFunc) Resolve(name string) (string, error) {
	return f(name)
}

// BundleResolver finds sidecar binaries shipped next to the application.
// Bundled binaries carry a target-triple suffix, e.g.
// daily-notes-backend-x86_64-unknown-linux-gnu.
type BundleResolver struct {
	// Dir is searched for the binary. Defaults to the directory of the running
	// executable.
	Dir string
	// SearchPath enables a PATH lookup after the bundle directory.
	SearchPath bool
}

// Resolve returns the first existing candidate for name.
func (r BundleResolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrSidecarNotFound)
	}

	dir := r.Dir
	if dir == "" {
		exe, err := os.Executable()
		if err == nil {
			dir = filepath.Dir(exe)
		}
	}

	if dir != "" {
		for _, candidate := range bundleCandidates(name, runtime.GOOS, runtime.GOARCH) {
			path := filepath.Join(dir, candidate)
			if isExecutableFile(path) {
				return path, nil
			}
		}
	}

	if r.SearchPath {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %s (searched %q)", ErrSidecarNotFound, name, dir)
}

// TargetTriple returns the target triple used to name bundled binaries, or ""
// for unsupported platforms.
func TargetTriple(goos, goarch string) string {
	switch goos {
	case "darwin":
		if goarch == "arm64" {
			return "aarch64-apple-darwin"
		}
		return "x86_64-apple-darwin"
	case "windows":
		return "x86_64-pc-windows-msvc"
	case "linux":
		if goarch == "arm64" {
			return "aarch64-unknown-linux-gnu"
		}
		return "x86_64-unknown-linux-gnu"
	}
	return ""
}

func bundleCandidates(name, goos, goarch string) []string {
	ext := ""
	if goos == "windows" {
		ext = ".exe"
	}
	candidates := make([]string, 0, 2)
	if triple := TargetTriple(goos, goarch); triple != "" {
		candidates = append(candidates, name+"-"+triple+ext)
	}
	return append(candidates, name+ext)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}
