// Package blob stores uploaded files and converted outputs on the local
// filesystem, S3 or MinIO.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/spherical-ai/convertx/internal/config"
	"github.com/spherical-ai/convertx/internal/formats"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that escape the store root.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is a flat key/value object store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// New creates the store selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalStore(cfg.Local.Path)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	case "minio":
		return NewMinioStore(cfg.Minio)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// Upload and output keys are laid out per user and job so a whole job can be
// removed with one prefix delete.
const (
	uploadsRoot = "uploads"
	outputsRoot = "outputs"
)

// UploadKey returns the key of an uploaded source file.
func UploadKey(userID, jobID, fileName string) string {
	return path.Join(uploadsRoot, segment(userID), segment(jobID), formats.Sanitize(fileName))
}

// OutputKey returns the key of a converted file.
func OutputKey(userID, jobID, fileName string) string {
	return path.Join(outputsRoot, segment(userID), segment(jobID), formats.Sanitize(fileName))
}

// JobPrefixes returns the prefixes holding every object of a job.
func JobPrefixes(userID, jobID string) []string {
	return []string{
		path.Join(uploadsRoot, segment(userID), segment(jobID)) + "/",
		path.Join(outputsRoot, segment(userID), segment(jobID)) + "/",
	}
}

func segment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// cleanKey rejects absolute keys and keys containing "..".
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Clean(key), nil
}

// DetectContentType sniffs the MIME type of the leading bytes of r and
// returns a reader that still yields the whole stream.
func DetectContentType(r io.Reader) (string, io.Reader, error) {
	mtype, rest, err := Sniff(r)
	if err != nil {
		return "", nil, err
	}
	return mtype.String(), rest, nil
}

// Sniff is DetectContentType returning the detected type itself.
func Sniff(r io.Reader) (*mimetype.MIME, io.Reader, error) {
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	head = head[:n]
	return mimetype.Detect(head), io.MultiReader(bytes.NewReader(head), r), nil
}
