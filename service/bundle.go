package service

import (
	"fmt"
	"sort"
	"sync"
)

// ModelBundle pairs a loaded model with its label map. It is built once and
// shared by every request.
type ModelBundle struct {
	Name      string
	Model     Scorer
	Labels    LabelMap
	ImageSize int
}

// OutputSizer is implemented by models that know their score vector length.
type OutputSizer interface {
	NumClasses() int
}

// NewModelBundle checks that model and labels fit together.
func NewModelBundle(name string, model Scorer, labels LabelMap, imageSize int) (*ModelBundle, error) {
	if model == nil {
		return nil, fmt.Errorf("model %q: no model loaded", name)
	}
	if err := labels.validate(); err != nil {
		return nil, fmt.Errorf("model %q: %w", name, err)
	}
	if imageSize <= 0 {
		imageSize = DefaultImageSize
	}
	want := []int64{1, int64(imageSize), int64(imageSize), Channels}
	if got := model.InputShape(); !shapeFits(got, want) {
		return nil, fmt.Errorf("model %q: %w", name, &ShapeMismatchError{Want: got, Got: want})
	}
	if s, ok := model.(OutputSizer); ok {
		if n := s.NumClasses(); n > 0 && n > len(labels) {
			return nil, fmt.Errorf("model %q: %w", name, &UnknownClassIndexError{Index: len(labels)})
		}
	}
	return &ModelBundle{
		Name:      name,
		Model:     model,
		Labels:    labels,
		ImageSize: imageSize,
	}, nil
}

// Registry holds the bundles available to requests, keyed by name.
type Registry struct {
	mu           sync.RWMutex
	bundles      map[string]*ModelBundle
	defaultModel string
}

func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		bundles:      make(map[string]*ModelBundle),
		defaultModel: defaultModel,
	}
}

func (r *Registry) Add(b *ModelBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[b.Name] = b
	if r.defaultModel == "" {
		r.defaultModel = b.Name
	}
}

// Get returns the named bundle, or the default one when name is empty.
func (r *Registry) Get(name string) (*ModelBundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultModel
	}
	b, ok := r.bundles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return b, nil
}

func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bundles))
	for n := range r.bundles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
