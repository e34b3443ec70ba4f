// Package upload stores chat attachments on local disk.
package upload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"duet/pkg/types"
)

var (
	ErrUnsupportedType = errors.New("only images and videos are allowed")
	ErrFileTooLarge    = errors.New("file exceeds upload size limit")
	ErrEmptyFile       = errors.New("file is empty")
)

// URLPrefix is where stored files are served from
const URLPrefix = "/uploads/"

// bytes read ahead for content detection, mimetype's default limit
const sniffBytes = 3072

const (
	kindImage = "image"
	kindVideo = "video"
)

// extension -> attachment kind
var allowedExtensions = map[string]string{
	".jpeg": kindImage,
	".jpg":  kindImage,
	".png":  kindImage,
	".gif":  kindImage,
	".webp": kindImage,
	".mp4":  kindVideo,
	".mov":  kindVideo,
	".avi":  kindVideo,
	".webm": kindVideo,
}

// Store writes uploads under dir with server-generated names
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the upload directory if needed
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the directory files are written to
func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes returns the per-file size limit
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save validates and stores one file. The extension decides whether it is
// an image or a video; the content type, declared or sniffed, must agree.
func (s *Store) Save(originalName, contentType string, r io.Reader) (*types.UploadResult, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	kind, ok := allowedExtensions[ext]
	if !ok {
		return nil, ErrUnsupportedType
	}

	br := bufio.NewReaderSize(r, sniffBytes)
	head, err := br.Peek(sniffBytes)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(head) == 0 {
		return nil, ErrEmptyFile
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(head).String()
	}
	if !strings.HasPrefix(strings.ToLower(contentType), kind+"/") {
		return nil, ErrUnsupportedType
	}

	name := uuid.New().String() + ext
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}

	limited := io.Reader(br)
	if s.maxBytes > 0 {
		limited = io.LimitReader(br, s.maxBytes+1)
	}
	written, copyErr := io.Copy(f, limited)
	closeErr := f.Close()

	if copyErr == nil && closeErr == nil && s.maxBytes > 0 && written > s.maxBytes {
		copyErr = ErrFileTooLarge
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			if errors.Is(copyErr, ErrFileTooLarge) {
				return nil, ErrFileTooLarge
			}
			return nil, fmt.Errorf("failed to write upload: %w", copyErr)
		}
		return nil, fmt.Errorf("failed to write upload: %w", closeErr)
	}

	return &types.UploadResult{
		FileURL:  URLPrefix + name,
		FileType: kind,
		FileName: filepath.Base(originalName),
	}, nil
}
