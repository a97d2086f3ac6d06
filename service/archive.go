package service

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var DefaultArchiveExtensions = []string{"jpg", "jpeg", "png"}

var (
	errTooManyEntries = errors.New("too many entries")
	errTooLarge       = errors.New("uncompressed size exceeds limit")
)

// ArchiveClassifier extracts zip uploads into a per-request directory under
// TempDir and classifies the images found there.
type ArchiveClassifier struct {
	TempDir    string
	MaxEntries int
	MaxBytes   int64
	// Extensions are matched without the dot and case-sensitively.
	Extensions []string
}

// ClassifyArchive classifies a zip archive with default limits, extracting
// into the system temp directory.
func ClassifyArchive(b *ModelBundle, archive []byte) ([]PredictionResult, error) {
	ac := &ArchiveClassifier{}
	return ac.Classify("", b, archive)
}

// Classify extracts archive, classifies every image in it in lexical path
// order and removes the extracted files before returning. requestID names the
// extraction directory; a new one is generated when it is not a valid UUID.
func (ac *ArchiveClassifier) Classify(requestID string, b *ModelBundle, archive []byte, opts ...BatchOption) ([]PredictionResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, &ArchiveFormatError{Err: err}
	}

	if _, err := uuid.Parse(requestID); err != nil {
		requestID = uuid.NewString()
	}
	base := ac.TempDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "archive-"+requestID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create extraction dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("Failed to clean up extraction dir", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}()

	if err := ac.extract(zr, dir); err != nil {
		return nil, err
	}

	inputs, err := ac.collect(dir)
	if err != nil {
		return nil, err
	}
	slog.Info("Extracted archive",
		slog.String("request_id", requestID),
		slog.Int("entries", len(zr.File)),
		slog.Int("images", len(inputs)),
	)
	return ClassifyMany(b, inputs, opts...)
}

func (ac *ArchiveClassifier) extract(zr *zip.Reader, dir string) error {
	remaining := ac.MaxBytes
	if remaining <= 0 {
		remaining = 256 << 20
	}
	maxEntries := ac.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	n := 0
	for _, f := range zr.File {
		if !f.Mode().IsRegular() {
			continue
		}
		n++
		if n > maxEntries {
			return &ArchiveFormatError{Err: fmt.Errorf("%w: more than %d files", errTooManyEntries, maxEntries)}
		}
		rel := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(rel) {
			return &ArchiveFormatError{Err: fmt.Errorf("entry %q escapes the archive root", f.Name)}
		}
		written, err := extractFile(f, filepath.Join(dir, rel), remaining)
		if err != nil {
			return err
		}
		remaining -= written
	}
	return nil
}

func extractFile(f *zip.File, dst string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		// a regular entry already occupies a parent path
		return 0, &ArchiveFormatError{Err: fmt.Errorf("entry %q conflicts with another entry: %w", f.Name, err)}
	}
	rc, err := f.Open()
	if err != nil {
		return 0, &ArchiveFormatError{Err: fmt.Errorf("open %q: %w", f.Name, err)}
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return 0, &ArchiveFormatError{Err: fmt.Errorf("duplicate entry %q", f.Name)}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create %q: %w", f.Name, err)
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(rc, limit+1))
	if err != nil {
		return written, &ArchiveFormatError{Err: fmt.Errorf("read %q: %w", f.Name, err)}
	}
	if written > limit {
		return written, &ArchiveFormatError{Err: errTooLarge}
	}
	return written, nil
}

func (ac *ArchiveClassifier) collect(dir string) ([]ImageInput, error) {
	exts := ac.Extensions
	if len(exts) == 0 {
		exts = DefaultArchiveExtensions
	}
	var inputs []ImageInput
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !HasImageExtension(d.Name(), exts) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		inputs = append(inputs, ImageInput{Name: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted files: %w", err)
	}
	return inputs, nil
}

// HasImageExtension reports whether name has one of exts as its extension.
// "photo.jpg" matches "jpg", "photojpg" does not.
func HasImageExtension(name string, exts []string) bool {
	ext := filepath.Ext(name)
	if len(ext) < 2 {
		return false
	}
	for _, e := range exts {
		if ext[1:] == e {
			return true
		}
	}
	return false
}
