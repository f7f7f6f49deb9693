package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"collabtext/internal/session"
)

// fileSurface is a session.Surface backed by a file on disk. Editors do not
// share a cursor with us, so the cursor and scroll offsets only live in the
// embedded buffer.
type fileSurface struct {
	*session.Buffer
	path string
	log  logr.Logger

	mu   sync.Mutex
	last string // content we last wrote or read
}

func newFileSurface(path string, log logr.Logger) (*fileSurface, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &fileSurface{
		Buffer: session.NewBuffer(content),
		path:   path,
		log:    log.WithName("file").WithValues("path", path),
		last:   content,
	}, nil
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// SetText writes text to the file as well as the buffer. The write is not
// reported back as a local change.
func (f *fileSurface) SetText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Buffer.SetText(text)
	if text == f.last {
		return
	}
	if err := writeFileAtomic(f.path, text); err != nil {
		f.log.Error(err, "could not write remote changes")
		return
	}
	f.last = text
}

// Swap replaces the text only if neither the buffer nor the file changed
// since the caller read old. A save that has not been polled yet is taken in
// here, so the caller retries against it instead of writing over it.
func (f *fileSurface) Swap(old, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed, err := f.absorb()
	if err != nil {
		f.log.Error(err, "could not check file before writing")
		return false
	}
	if changed || !f.Buffer.Swap(old, text) {
		return false
	}
	if text == f.last {
		return true
	}
	if err := writeFileAtomic(f.path, text); err != nil {
		f.log.Error(err, "could not write remote changes")
		return true
	}
	f.last = text
	return true
}

// poll reports whether the file changed since it was last written or read.
func (f *fileSurface) poll() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.absorb()
}

// absorb loads the file into the buffer if it changed on disk. f.mu must be
// held.
func (f *fileSurface) absorb() (bool, error) {
	content, err := readFile(f.path)
	if err != nil {
		return false, err
	}
	if content == f.last {
		return false, nil
	}
	f.last = content
	f.Buffer.SetText(content)
	return true, nil
}

// watch polls the file until ctx is done and calls changed after every edit
// made outside the session.
func (f *fileSurface) watch(ctx context.Context, interval time.Duration, changed func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := f.poll()
			if err != nil {
				f.log.Error(err, "could not poll file")
				continue
			}
			if ok {
				f.log.V(1).Info("local edit detected")
				changed()
			}
		}
	}
}

func writeFileAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
