package service

import (
	"errors"
	"fmt"
)

type batchOptions struct {
	progress func(done, total int)
}

type BatchOption func(*batchOptions)

// WithProgress registers a callback invoked after every image.
func WithProgress(fn func(done, total int)) BatchOption {
	return func(o *batchOptions) {
		o.progress = fn
	}
}

// ClassifyMany classifies inputs in order. An image that fails to decode gets
// a result carrying the error and the batch goes on; any other error aborts
// the whole batch since it would hit every image.
func ClassifyMany(b *ModelBundle, inputs []ImageInput, opts ...BatchOption) ([]PredictionResult, error) {
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}

	results := make([]PredictionResult, 0, len(inputs))
	for i, in := range inputs {
		res, err := ClassifyOne(b, in)
		if err != nil {
			var de *DecodeError
			if !errors.As(err, &de) {
				return nil, fmt.Errorf("classify %q: %w", in.Name, err)
			}
			res = PredictionResult{ImageName: in.Name, Error: de.Error()}
		}
		results = append(results, res)
		if o.progress != nil {
			o.progress(i+1, len(inputs))
		}
	}
	return results, nil
}
