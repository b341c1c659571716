package parallel

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// defaultExcludes are never copied into a slot workspace and never merged
// back.
var defaultExcludes = []string{".git", ".nightshift", "logs"}

// copyWorkspace mirrors src into dst, hard-linking files where the
// filesystem allows it and copying otherwise. It returns a content-hash
// baseline of everything copied, used later to detect what a slot changed.
func copyWorkspace(src, dst string, excludes []string) (map[string][sha256.Size]byte, error) {
	baseline := make(map[string][sha256.Size]byte)
	skip := append(append([]string{}, defaultExcludes...), excludes...)

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(rel, skip) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return nil // sockets, symlinks and friends stay behind
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if linkErr := os.Link(path, target); linkErr != nil {
			if copyErr := copyFile(path, target, info.Mode()); copyErr != nil {
				return fmt.Errorf("failed to copy %s: %w", rel, copyErr)
			}
		}
		sum, err := hashFile(target)
		if err != nil {
			return err
		}
		baseline[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare slot workspace: %w", err)
	}
	return baseline, nil
}

// changedFiles returns the relative paths in dir whose content differs from
// the baseline, including files created after the copy.
func changedFiles(dir string, baseline map[string][sha256.Size]byte, excludes []string) ([]string, error) {
	skip := append(append([]string{}, defaultExcludes...), excludes...)
	var changed []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excluded(rel, skip) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		if prev, ok := baseline[rel]; !ok || prev != sum {
			changed = append(changed, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to diff slot workspace: %w", err)
	}
	return changed, nil
}

func excluded(rel string, skip []string) bool {
	for _, name := range skip {
		if rel == name || strings.HasPrefix(rel, name+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func hashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// replaceFile installs src at dst atomically, leaving any hard links to the
// old dst inode untouched.
func replaceFile(src, dst string, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".merge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	in, err := os.Open(src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	_, copyErr := io.Copy(tmp, in)
	in.Close()
	if copyErr != nil {
		tmp.Close()
		os.Remove(tmpName)
		return copyErr
	}
	if err := tmp.Chmod(mode.Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
