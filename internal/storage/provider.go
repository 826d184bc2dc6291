package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"asyncdb/internal/config"
)

var ErrInvalidKey = errors.New("invalid storage key")

// Provider stores exported files.
type Provider interface {
	// StreamToFile returns a writer whose data is streamed to key. The channel
	// receives exactly one value, the outcome of the upload, after the writer
	// is closed.
	StreamToFile(ctx context.Context, key string) (io.WriteCloser, <-chan error)

	// OpenFile opens the stored file for reading.
	OpenFile(ctx context.Context, key string) (io.ReadCloser, error)

	// GetDownloadURL returns where the stored item can be fetched from.
	GetDownloadURL(key string) string
}

// New builds the provider selected by cfg.StorageType.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.StorageType {
	case "local":
		return NewLocalProvider(cfg.LocalStoragePath)
	case "s3":
		return NewS3ProviderFromConfig(cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownStorage, cfg.StorageType)
}

// cleanKey normalises key to a relative slash path that cannot escape the
// storage root.
func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// failed returns a channel already holding err.
func failed(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
