// Package filestore persists small JSON documents as whole-file overwrites
// guarded by flock. Files are never renamed or unlinked: the state directory
// may allow content overwrite while forbidding create and delete.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when the lock is not acquired in time.
var ErrLockTimeout = errors.New("store lock timeout")

const defaultPoll = 10 * time.Millisecond

// File is one JSON document on disk.
type File struct {
	path    string
	timeout time.Duration
	poll    time.Duration
}

// New returns a File for path with a bounded lock timeout.
func New(path string, timeout time.Duration) *File {
	return &File{path: path, timeout: timeout, poll: defaultPoll}
}

// Path returns the document path.
func (f *File) Path() string { return f.path }

// View decodes the document under a shared lock. A missing or empty file
// yields the zero value of T.
func View[T any](ctx context.Context, f *File) (T, error) {
	var doc T
	fh, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer fh.Close()

	if err := f.lock(ctx, fh, unix.LOCK_SH); err != nil {
		return doc, err
	}
	defer unlock(fh)

	if err := decode(fh, &doc); err != nil {
		return doc, fmt.Errorf("read %s: %w", f.path, err)
	}
	return doc, nil
}

// Update decodes the document under an exclusive lock and passes it to fn.
// When fn reports a change the whole document is rewritten before the lock
// is released. An error from fn leaves the file untouched.
func Update[T any](ctx context.Context, f *File, fn func(doc *T) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer fh.Close()

	if err := f.lock(ctx, fh, unix.LOCK_EX); err != nil {
		return err
	}
	defer unlock(fh)

	var doc T
	if err := decode(fh, &doc); err != nil {
		return fmt.Errorf("read %s: %w", f.path, err)
	}
	changed, err := fn(&doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	data = append(data, '\n')
	if err := overwrite(fh, data); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

func (f *File) lock(ctx context.Context, fh *os.File, how int) error {
	deadline := time.Now().Add(f.timeout)
	for {
		err := unix.Flock(int(fh.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("lock %s: %w", f.path, err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, f.path)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrLockTimeout, f.path, ctx.Err())
		case <-time.After(f.poll):
		}
	}
}

func unlock(fh *os.File) {
	_ = unix.Flock(int(fh.Fd()), unix.LOCK_UN)
}

func decode(r io.Reader, v any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func overwrite(fh *os.File, data []byte) error {
	if err := fh.Truncate(0); err != nil {
		return err
	}
	if _, err := fh.WriteAt(data, 0); err != nil {
		return err
	}
	return fh.Sync()
}
