package storage

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrStateCorrupt marks content that exists on disk but cannot be decoded.
// Callers decide whether a corrupt file is fatal; the guardian treats it as
// "no snapshot available".
var ErrStateCorrupt = errors.New("state file corrupt")

// gzip magic bytes, used to auto-detect compressed artifacts on read
var gzipMagic = []byte{0x1f, 0x8b}

// Storage is the durable file I/O primitive underneath the state manager.
// Atomic writes go through a temp file in the same directory followed by a
// rename, so a crash mid-write never leaves a partial file visible at the
// target path. Same-path writes are serialized by the rename semantics.
type Storage struct {
	writeCount int64
	readCount  int64
}

// New creates a Storage
func New() *Storage {
	return &Storage{}
}

// Write persists data to path. When atomic is true the data lands via
// temp-file-plus-rename; when compress is true the payload is gzipped.
func (s *Storage) Write(data []byte, path string, atomicWrite, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	payload := data
	if compress {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			gw.Close()
			return fmt.Errorf("failed to compress state: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("failed to finalize compressed state: %w", err)
		}
		payload = buf.Bytes()
	}

	if atomicWrite {
		tempPath := path + ".tmp"
		if err := os.WriteFile(tempPath, payload, 0644); err != nil {
			return fmt.Errorf("failed to write temp state file: %w", err)
		}
		if err := syncFile(tempPath); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("failed to sync temp state file: %w", err)
		}
		if err := os.Rename(tempPath, path); err != nil {
			os.Remove(tempPath)
			return fmt.Errorf("failed to rename temp state file: %w", err)
		}
	} else {
		if err := os.WriteFile(path, payload, 0644); err != nil {
			return fmt.Errorf("failed to write state file: %w", err)
		}
	}

	atomic.AddInt64(&s.writeCount, 1)
	return nil
}

// Read loads the content at path, transparently decompressing gzipped
// artifacts. Malformed compressed content returns ErrStateCorrupt.
func (s *Storage) Read(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data := raw
	if bytes.HasPrefix(raw, gzipMagic) {
		gr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
		data, err = io.ReadAll(gr)
		gr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
		}
	}

	atomic.AddInt64(&s.readCount, 1)
	return data, nil
}

// WriteCount returns the number of successful writes
func (s *Storage) WriteCount() int64 {
	return atomic.LoadInt64(&s.writeCount)
}

// ReadCount returns the number of successful reads
func (s *Storage) ReadCount() int64 {
	return atomic.LoadInt64(&s.readCount)
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
