package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type ModelConfig struct {
	Name       string `toml:"name" mapstructure:"name"`
	ModelPath  string `toml:"model_path" mapstructure:"model_path"`
	LabelsPath string `toml:"labels_path" mapstructure:"labels_path"`
	ImageSize  int    `toml:"image_size" mapstructure:"image_size"`
}

type Config struct {
	Host     string `toml:"host" mapstructure:"host"`
	Port     string `toml:"port" mapstructure:"port"`
	Libonnx  string `toml:"libonnx" mapstructure:"libonnx"`
	PoolSize int    `toml:"pool_size" mapstructure:"pool_size"`

	TempDir           string   `toml:"temp_dir" mapstructure:"temp_dir"`
	MaxUploadMB       int64    `toml:"max_upload_mb" mapstructure:"max_upload_mb"`
	MaxArchiveEntries int      `toml:"max_archive_entries" mapstructure:"max_archive_entries"`
	MaxArchiveMB      int64    `toml:"max_archive_mb" mapstructure:"max_archive_mb"`
	ArchiveExtensions []string `toml:"archive_extensions" mapstructure:"archive_extensions"`
	MaxImagePixels    int64    `toml:"max_image_pixels" mapstructure:"max_image_pixels"`

	DefaultModel string        `toml:"default_model" mapstructure:"default_model"`
	Models       []ModelConfig `toml:"models" mapstructure:"models"`
}

const envPrefix = "FASHIONCLF_"

var (
	cfg = Config{
		Host:              "0.0.0.0",
		Port:              "8000",
		PoolSize:          2,
		TempDir:           os.TempDir(),
		MaxUploadMB:       32,
		MaxArchiveEntries: 1000,
		MaxArchiveMB:      256,
		ArchiveExtensions: []string{"jpg", "jpeg", "png"},
		MaxImagePixels:    178956970,
		DefaultModel:      "cnn",
		Models: []ModelConfig{
			{Name: "cnn", ModelPath: "models/cnn_model.onnx", LabelsPath: "models/class_indices.json", ImageSize: 128},
			{Name: "mobilenetv2", ModelPath: "models/mobilenetv2_model.onnx", LabelsPath: "models/class_indices_mobilenetv2.json", ImageSize: 128},
		},
	}
	cfgPath  = "config.toml"
	loadOnce sync.Once
)

// Load sets the config file path. It only has an effect before the first call to C.
func Load(path string) {
	if path != "" {
		cfgPath = path
	}
}

func C() Config {
	loadOnce.Do(func() {
		if _, err := os.Stat(cfgPath); err == nil {
			data, err := os.ReadFile(cfgPath)
			if err != nil {
				panic(err)
			}
			c, err := Parse(data)
			if err != nil {
				panic(err)
			}
			cfg = c
		}
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to load .env file", slog.String("error", err.Error()))
		}
		applyEnv(&cfg)
	})
	return cfg
}

// Parse decodes a TOML document on top of the defaults without touching the
// process-wide config. A document that lists its own models without naming
// default_model gets an empty DefaultModel, so the first listed model wins.
func Parse(data []byte) (Config, error) {
	c := cfg
	c.Models = nil
	c.ArchiveExtensions = nil
	c.DefaultModel = ""
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	if len(c.Models) == 0 {
		c.Models = append([]ModelConfig(nil), cfg.Models...)
		if c.DefaultModel == "" {
			c.DefaultModel = cfg.DefaultModel
		}
	}
	if c.ArchiveExtensions == nil {
		c.ArchiveExtensions = append([]string(nil), cfg.ArchiveExtensions...)
	}
	return c, nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func (c Config) MaxArchiveBytes() int64 {
	return c.MaxArchiveMB << 20
}

func applyEnv(c *Config) {
	if v, ok := lookupEnv("HOST"); ok {
		c.Host = v
	}
	if v, ok := lookupEnv("PORT"); ok {
		c.Port = v
	}
	if v, ok := lookupEnv("LIBONNX"); ok {
		c.Libonnx = v
	}
	if v, ok := lookupEnv("TEMP_DIR"); ok {
		c.TempDir = v
	}
	if v, ok := lookupEnv("DEFAULT_MODEL"); ok {
		c.DefaultModel = v
	}
	if v, ok := lookupEnv("ARCHIVE_EXTENSIONS"); ok {
		var exts []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exts = append(exts, e)
			}
		}
		c.ArchiveExtensions = exts
	}
	if n, ok := lookupInt("POOL_SIZE"); ok {
		c.PoolSize = n
	}
	if n, ok := lookupInt("MAX_UPLOAD_MB"); ok {
		c.MaxUploadMB = int64(n)
	}
	if n, ok := lookupInt("MAX_ARCHIVE_ENTRIES"); ok {
		c.MaxArchiveEntries = n
	}
	if n, ok := lookupInt("MAX_ARCHIVE_MB"); ok {
		c.MaxArchiveMB = int64(n)
	}
	if n, ok := lookupInt("MAX_IMAGE_PIXELS"); ok {
		c.MaxImagePixels = int64(n)
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func lookupInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer environment variable", slog.String("key", envPrefix+key), slog.String("value", v))
		return 0, false
	}
	return n, true
}
