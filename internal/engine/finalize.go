package engine

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// finalize moves the output directory of each final-output step into the
// job output location. It returns the first step that could not be moved.
func (r *run) finalize() (string, error) {
	targets := r.job.Spec.FinalOutput
	if len(targets) == 0 {
		targets = r.wf.FinalOutput
	}
	if len(targets) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(r.job.OutputDir, 0755); err != nil {
		return targets[0], fmt.Errorf("failed to create output directory: %w", err)
	}
	for _, id := range targets {
		if err := relocate(r.stepDir(id), filepath.Join(r.job.OutputDir, id)); err != nil {
			return id, err
		}
	}
	return "", nil
}

// relocate renames src to dst, copying across filesystems. A missing src
// with dst in place was moved by an earlier run and is left alone.
func relocate(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, derr := os.Stat(dst); derr == nil {
				return nil
			}
		}
		return fmt.Errorf("failed to stat output: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("output %s already exists", dst)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("failed to move output: %w", err)
	}
	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return fmt.Errorf("failed to copy output: %w", err)
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
