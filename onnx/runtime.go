package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	pathOnce sync.Once
	libPath  string
)

// LibPath returns the onnxruntime shared library to load. configured wins
// over the per-OS search list.
func LibPath(configured string) string {
	pathOnce.Do(func() {
		libPath = findLibPath(configured, os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"), runtime.GOOS)
		if libPath == "" {
			slog.Error("ONNX Runtime library path could not be determined for this OS")
		} else {
			slog.Info("Using ONNX Runtime library", slog.String("path", libPath))
		}
	})
	return libPath
}

func findLibPath(configured, env, goos string) string {
	if configured != "" {
		return configured
	}
	if env != "" {
		return env
	}
	for _, p := range candidates(goos) {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func candidates(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			"onnxlibs/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"/usr/lib/libonnxruntime.so",
			"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		}
	case "darwin":
		return []string{
			"onnxlibs/libonnxruntime.dylib",
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
		}
	case "windows":
		return []string{"onnxlibs/onnxruntime.dll", "onnxruntime.dll"}
	default:
		return nil
	}
}

// Init loads the shared library and initializes the ONNX Runtime environment.
// Call Shutdown when done.
func Init(configured string) error {
	path := LibPath(configured)
	if path == "" {
		return fmt.Errorf("onnxruntime shared library not found, set libonnx in config.toml")
	}
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func Shutdown() {
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Error("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
	}
}
