package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := New()

	data := []byte(`{"state_id":"abc","timestamp":"2026-01-01T00:00:00Z"}`)
	if err := st.Write(data, path, true, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := st.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Round trip mismatch: got %q, want %q", got, data)
	}
}

func TestWriteCompressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json.gz")
	st := New()

	data := []byte(`{"state_id":"compressed"}`)
	if err := st.Write(data, path, true, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// On-disk artifact must carry the gzip magic
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read raw file: %v", err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Error("Expected gzip magic bytes in compressed artifact")
	}

	// Read must decompress transparently
	got, err := st.Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Decompressed content mismatch: got %q, want %q", got, data)
	}
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := New()

	if err := st.Write([]byte("data"), path, true, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file left behind after atomic write")
	}
}

func TestReadCorruptGzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json.gz")

	// gzip magic followed by garbage
	corrupt := []byte{0x1f, 0x8b, 0xde, 0xad, 0xbe, 0xef}
	if err := os.WriteFile(path, corrupt, 0644); err != nil {
		t.Fatalf("Failed to write corrupt file: %v", err)
	}

	st := New()
	_, err := st.Read(path)
	if !errors.Is(err, ErrStateCorrupt) {
		t.Errorf("Expected ErrStateCorrupt, got %v", err)
	}
}

func TestReadMissingFile(t *testing.T) {
	st := New()
	_, err := st.Read(filepath.Join(t.TempDir(), "missing.json"))
	if !os.IsNotExist(err) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestCounters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st := New()

	if st.WriteCount() != 0 || st.ReadCount() != 0 {
		t.Fatal("Counters should start at zero")
	}

	for i := 0; i < 3; i++ {
		if err := st.Write([]byte("x"), path, true, false); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if _, err := st.Read(path); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if st.WriteCount() != 3 {
		t.Errorf("Expected write count 3, got %d", st.WriteCount())
	}
	if st.ReadCount() != 1 {
		t.Errorf("Expected read count 1, got %d", st.ReadCount())
	}
}
