package service

import (
	"gonum.org/v1/gonum/floats"
)

// Predict scores t with model and returns the label of the highest scoring
// class. Ties go to the lowest index.
func Predict(model Scorer, t *Tensor, labels LabelMap) (string, error) {
	if want := model.InputShape(); !shapeFits(want, t.Shape) {
		return "", &ShapeMismatchError{Want: want, Got: t.Shape}
	}
	scores, err := model.Score(t)
	if err != nil {
		return "", err
	}
	idx, err := ArgMax(scores)
	if err != nil {
		return "", err
	}
	return labels.Lookup(idx)
}

// ArgMax returns the index of the largest score.
func ArgMax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, &ShapeMismatchError{Got: []int64{0}}
	}
	s := make([]float64, len(scores))
	for i, v := range scores {
		s[i] = float64(v)
	}
	return floats.MaxIdx(s), nil
}

// ClassifyOne runs the full pipeline for a single image.
func ClassifyOne(b *ModelBundle, in ImageInput) (PredictionResult, error) {
	t, err := Normalize(in.Data, b.ImageSize)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.Name = in.Name
		}
		return PredictionResult{}, err
	}
	label, err := Predict(b.Model, t, b.Labels)
	if err != nil {
		return PredictionResult{}, err
	}
	return PredictionResult{ImageName: in.Name, Label: label}, nil
}

func shapeFits(want, got []int64) bool {
	if len(want) == 0 {
		return true
	}
	if len(want) != len(got) {
		return false
	}
	for i, d := range want {
		if d > 0 && d != got[i] {
			return false
		}
	}
	return true
}
