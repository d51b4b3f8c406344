package rexec

import (
	"fmt"
	"io"
	"os"
	"path"
)

// copyChunk is the transfer buffer size.
const copyChunk = 16 * 1024

// newTransferTask registers a function-backed task on the source session
// and starts it.
func newTransferTask(src Session, b *base, desc string, opts []ExecOption, fn func() error) (*Task, error) {
	eo := newExecOptions(b.cfg, opts)
	t := newFuncTask(src, desc, fn, eo, b.cfg)
	if err := b.add(t); err != nil {
		return nil, err
	}
	t.start()
	return t, nil
}

func copyFileTask(src Session, b *base, srcPath string, dst Session, dstPath string, opts []ExecOption) (*Task, error) {
	desc := fmt.Sprintf("copy file %s -> %s:%s", srcPath, dst.Name(), dstPath)
	return newTransferTask(src, b, desc, opts, func() error {
		return copyFile(src, srcPath, dst, dstPath)
	})
}

func copyDirTask(src Session, b *base, srcPath string, dst Session, dstPath string, opts []ExecOption) (*Task, error) {
	desc := fmt.Sprintf("copy dir %s -> %s:%s", srcPath, dst.Name(), dstPath)
	return newTransferTask(src, b, desc, opts, func() error {
		return copyDir(src, srcPath, dst, dstPath)
	})
}

// copyFile streams one file between sessions through this process.
// Both handles are closed whatever happens.
func copyFile(src Session, srcPath string, dst Session, dstPath string) (err error) {
	in, err := src.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer in.Close()

	out, err := dst.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", dstPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dstPath, cerr)
		}
	}()

	buf := make([]byte, copyChunk)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return fmt.Errorf("copy %s: %w", srcPath, err)
	}
	return nil
}

// copyDir mirrors a directory tree between sessions. The destination must
// not exist yet; the check runs before any byte moves.
func copyDir(src Session, srcPath string, dst Session, dstPath string) error {
	ok, err := dst.Exists(dstPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dstPath, err)
	}
	if ok {
		return fmt.Errorf("copy dir to %s:%s: %w", dst.Name(), dstPath, os.ErrExist)
	}
	return copyTree(src, srcPath, dst, dstPath)
}

func copyTree(src Session, srcPath string, dst Session, dstPath string) error {
	if err := dst.Mkdir(dstPath); err != nil {
		return fmt.Errorf("mkdir %s: %w", dstPath, err)
	}
	entries, err := src.ReadDir(srcPath)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", srcPath, err)
	}
	for _, fi := range entries {
		sp := path.Join(srcPath, fi.Name())
		dp := path.Join(dstPath, fi.Name())
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			// symlinks are not followed
		case fi.IsDir():
			if err := copyTree(src, sp, dst, dp); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			if err := copyFile(src, sp, dst, dp); err != nil {
				return err
			}
		}
	}
	return nil
}
