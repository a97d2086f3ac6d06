package server

import (
	"fmt"
	"log/slog"

	"github.com/krau/fashionclf/config"
	"github.com/krau/fashionclf/onnx"
	"github.com/krau/fashionclf/service"
)

// LoadModels loads every configured model into a registry. The returned
// function releases the ONNX sessions.
func LoadModels(cfg config.Config) (*service.Registry, func(), error) {
	service.MaxImagePixels = cfg.MaxImagePixels
	reg := service.NewRegistry(cfg.DefaultModel)
	var loaded []*onnx.Model
	closeAll := func() {
		for _, m := range loaded {
			m.Close()
		}
	}

	for _, mc := range cfg.Models {
		labels, err := service.ReadLabelMap(mc.LabelsPath)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to read labels for %s: %w", mc.Name, err)
		}
		model, err := onnx.Load(mc.ModelPath, onnx.Options{
			ImageSize:  mc.ImageSize,
			PoolSize:   cfg.PoolSize,
			NumClasses: len(labels),
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to load model %s: %w", mc.Name, err)
		}
		loaded = append(loaded, model)

		bundle, err := service.NewModelBundle(mc.Name, model, labels, mc.ImageSize)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		reg.Add(bundle)
		slog.Info("Loaded model",
			slog.String("name", mc.Name),
			slog.String("path", mc.ModelPath),
			slog.Int("classes", len(labels)),
			slog.Any("input_shape", model.InputShape()),
		)
	}

	if _, err := reg.Get(""); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("default model: %w", err)
	}
	return reg, closeAll, nil
}

// ArchiveClassifier builds the archive pipeline from the configured limits.
func ArchiveClassifier(cfg config.Config) *service.ArchiveClassifier {
	return &service.ArchiveClassifier{
		TempDir:    cfg.TempDir,
		MaxEntries: cfg.MaxArchiveEntries,
		MaxBytes:   cfg.MaxArchiveBytes(),
		Extensions: cfg.ArchiveExtensions,
	}
}
