// Package store persists finished voice messages as files on disk and hands
// back a retrievable URL. Bytes are opaque to the rest of the relay.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/segmentio/ksuid"

	"pttrelay/pkg/protocol"
)

var ErrTooLarge = errors.New("audio payload exceeds size limit")

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,9}$`)

// StoredBlob describes a persisted audio payload.
type StoredBlob struct {
	Filename string
	URL      string
	Mime     string
}

// DiskStore writes blobs into a single flat directory.
type DiskStore struct {
	dir      string
	maxBytes int64
}

func NewDiskStore(dir string, maxBytes int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads dir: %w", err)
	}
	return &DiskStore{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the backing directory, for static serving.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Save persists the payload under a fresh timestamped name and returns its
// public URL. The extension is taken from the client's filename when it looks
// sane, the MIME type from the declared value with container sniffing as the
// fallback.
func (s *DiskStore) Save(data []byte, originalName, declaredMime string) (*StoredBlob, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, ErrTooLarge
	}

	ext := filepath.Ext(originalName)
	if !safeExt.MatchString(ext) {
		ext = ".webm"
	}
	filename := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), ksuid.New().String(), ext)

	if err := os.WriteFile(filepath.Join(s.dir, filename), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write audio blob: %w", err)
	}

	return &StoredBlob{
		Filename: filename,
		URL:      protocol.UploadsPrefix + "/" + filename,
		Mime:     DetectMime(data, declaredMime),
	}, nil
}

var (
	oggMagic  = []byte("OggS")
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// DetectMime returns the declared MIME type when present, otherwise sniffs
// the container: Ogg pages start with the OggS sync pattern, WebM/Matroska
// with an EBML header.
func DetectMime(data []byte, declared string) string {
	if declared != "" {
		return declared
	}
	if bytes.HasPrefix(data, oggMagic) {
		return "audio/ogg"
	}
	if bytes.HasPrefix(data, ebmlMagic) {
		return "audio/webm"
	}
	return "audio/webm"
}
