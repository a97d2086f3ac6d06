package service

import (
	"errors"
	"fmt"
)

// ErrUnknownModel is returned by the registry for a model name it does not hold.
var ErrUnknownModel = errors.New("unknown model")

// DecodeError means the bytes of one image could not be decoded. In a batch it
// only affects that image.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %q: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ShapeMismatchError means the normalized tensor does not fit the model input,
// or the model produced no scores. It recurs for every image.
type ShapeMismatchError struct {
	Want []int64
	Got  []int64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("tensor shape %v does not match model input %v", e.Got, e.Want)
}

// UnknownClassIndexError means the model predicted a class the label map does
// not name, i.e. model and label map do not belong together.
type UnknownClassIndexError struct {
	Index int
}

func (e *UnknownClassIndexError) Error() string {
	return fmt.Sprintf("class index %d has no label", e.Index)
}

// ArchiveFormatError means an uploaded archive could not be read or extracted.
type ArchiveFormatError struct {
	Err error
}

func (e *ArchiveFormatError) Error() string {
	return fmt.Sprintf("invalid archive: %v", e.Err)
}

func (e *ArchiveFormatError) Unwrap() error { return e.Err }

// IsDecode reports whether err is (or wraps) a *DecodeError.
func IsDecode(err error) bool {
	var d *DecodeError
	return errors.As(err, &d)
}

// IsArchiveFormat reports whether err is (or wraps) an *ArchiveFormatError.
func IsArchiveFormat(err error) bool {
	var a *ArchiveFormatError
	return errors.As(err, &a)
}

// IsConfiguration reports whether err signals a model/label map/pipeline
// mismatch rather than bad input.
func IsConfiguration(err error) bool {
	var s *ShapeMismatchError
	var u *UnknownClassIndexError
	return errors.As(err, &s) || errors.As(err, &u)
}
