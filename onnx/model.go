package onnx

import (
	"fmt"
	"slices"

	"github.com/krau/fashionclf/service"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	ImageSize int
	// PoolSize is the number of sessions, i.e. how many requests can score at once.
	PoolSize int
	// NumClasses is used when the model output has a dynamic class dimension.
	NumClasses int
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Model is a service.Scorer backed by a pool of ONNX Runtime sessions. Each
// session owns its input and output tensors and is used by one request at a time.
type Model struct {
	path       string
	inputName  string
	outputName string
	inputShape []int64
	numClasses int
	pool       chan *session
}

// Load opens the model at path. The runtime environment must already be
// initialized.
func Load(path string, opts Options) (*Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", path)
	}

	inputShape, err := concreteInputShape(inputs[0].Dimensions, opts.ImageSize)
	if err != nil {
		return nil, err
	}
	numClasses := outputClasses(outputs[0].Dimensions, opts.NumClasses)
	if numClasses <= 0 {
		return nil, fmt.Errorf("model %s has a dynamic output size and no class count was given", path)
	}

	poolSize := max(opts.PoolSize, 1)
	m := &Model{
		path:       path,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		inputShape: inputShape,
		numClasses: numClasses,
		pool:       make(chan *session, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		s, err := m.newSession()
		if err != nil {
			m.Close()
			return nil, err
		}
		m.pool <- s
	}
	return m, nil
}

func (m *Model) newSession() (*session, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()

	s := &session{}
	s.input, err = ort.NewEmptyTensor[float32](ort.NewShape(m.inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	s.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.numClasses)))
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	s.session, err = ort.NewAdvancedSession(
		m.path,
		[]string{m.inputName},
		[]string{m.outputName},
		[]ort.Value{s.input},
		[]ort.Value{s.output},
		opts,
	)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return s, nil
}

func (m *Model) InputShape() []int64 {
	return slices.Clone(m.inputShape)
}

func (m *Model) NumClasses() int {
	return m.numClasses
}

func (m *Model) Score(t *service.Tensor) ([]float32, error) {
	if !slices.Equal(t.Shape, m.inputShape) {
		return nil, &service.ShapeMismatchError{Want: m.InputShape(), Got: t.Shape}
	}

	s := <-m.pool
	defer func() { m.pool <- s }()

	in := s.input.GetData()
	if len(in) != len(t.Data) {
		return nil, &service.ShapeMismatchError{Want: m.InputShape(), Got: t.Shape}
	}
	copy(in, t.Data)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return slices.Clone(s.output.GetData()), nil
}

// Close destroys every session. The model must not be used afterwards.
func (m *Model) Close() {
	for {
		select {
		case s := <-m.pool:
			s.destroy()
		default:
			return
		}
	}
}

// concreteInputShape resolves dynamic dimensions of an NHWC image input to a
// batch of one square image.
func concreteInputShape(dims []int64, imageSize int) ([]int64, error) {
	if len(dims) != 4 {
		return nil, fmt.Errorf("expected a 4-dimensional NHWC input, got %v", dims)
	}
	if imageSize <= 0 {
		imageSize = service.DefaultImageSize
	}
	defaults := []int64{1, int64(imageSize), int64(imageSize), service.Channels}
	out := make([]int64, 4)
	for i, d := range dims {
		if d > 0 {
			out[i] = d
		} else {
			out[i] = defaults[i]
		}
	}
	if out[0] != 1 {
		return nil, fmt.Errorf("expected batch size 1, model input is %v", dims)
	}
	if out[3] != service.Channels {
		return nil, fmt.Errorf("expected %d channels last, model input is %v", service.Channels, dims)
	}
	return out, nil
}

func outputClasses(dims []int64, fallback int) int {
	if len(dims) == 0 {
		return fallback
	}
	if n := dims[len(dims)-1]; n > 0 {
		return int(n)
	}
	return fallback
}
