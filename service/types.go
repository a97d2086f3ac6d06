package service

const (
	DefaultImageSize = 128
	Channels         = 3
)

// Scorer is a loaded classifier. Implementations must be safe for concurrent use.
type Scorer interface {
	// InputShape is the tensor shape the model accepts. Non-positive dimensions
	// are unconstrained.
	InputShape() []int64
	Score(t *Tensor) ([]float32, error)
}

// Tensor is a dense float32 array in NHWC order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

type ImageInput struct {
	Name string
	Data []byte
}

type PredictionResult struct {
	ImageName string `json:"image_name"`
	Label     string `json:"label,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed reports whether the image could not be classified.
func (r PredictionResult) Failed() bool {
	return r.Error != ""
}

// CountFailed returns the number of failure markers in results.
func CountFailed(results []PredictionResult) int {
	n := 0
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}
