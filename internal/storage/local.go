package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalProvider writes exports below a directory on the local filesystem.
// Files are written to a temporary name and renamed on Close, so readers
// never see a partial export.
type LocalProvider struct {
	basePath string
}

func NewLocalProvider(basePath string) (*LocalProvider, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", basePath, err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &LocalProvider{basePath: abs}, nil
}

func (p *LocalProvider) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.basePath, filepath.FromSlash(cleaned)), nil
}

func (p *LocalProvider) StreamToFile(ctx context.Context, key string) (io.WriteCloser, <-chan error) {
	fullPath, err := p.path(key)
	if err != nil {
		return nil, failed(err)
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, failed(fmt.Errorf("failed to create directory %s: %w", dir, err))
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*.part")
	if err != nil {
		return nil, failed(fmt.Errorf("failed to create file %s: %w", fullPath, err))
	}

	w := &localWriter{
		ctx:  ctx,
		f:    f,
		path: fullPath,
		done: make(chan error, 1),
	}
	return w, w.done
}

func (p *LocalProvider) OpenFile(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := p.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(fullPath)
}

func (p *LocalProvider) GetDownloadURL(key string) string {
	fullPath, err := p.path(key)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(fullPath)
}

type localWriter struct {
	ctx    context.Context
	f      *os.File
	path   string
	done   chan error
	closed bool
}

func (w *localWriter) Write(b []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.f.Write(b)
}

// Close publishes the file under its final name, or removes it if the
// context was cancelled.
func (w *localWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer close(w.done)

	err := w.f.Close()
	if err == nil {
		err = w.ctx.Err()
	}
	if err == nil {
		err = os.Rename(w.f.Name(), w.path)
	}
	if err != nil {
		os.Remove(w.f.Name())
		w.done <- err
		return err
	}

	slog.Info("Local file write completed", "path", w.path)
	w.done <- nil
	return nil
}
