package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/krau/fashionclf/service"
)

const requestIDKey = "request_id"

type Server struct {
	registry  *service.Registry
	archives  *service.ArchiveClassifier
	maxUpload int64
}

func New(registry *service.Registry, archives *service.ArchiveClassifier, maxUpload int64) *Server {
	return &Server{
		registry:  registry,
		archives:  archives,
		maxUpload: maxUpload,
	}
}

type ModelInfo struct {
	Name      string   `json:"name"`
	Classes   []string `json:"classes"`
	ImageSize int      `json:"image_size"`
	Default   bool     `json:"default"`
}

type BatchResponse struct {
	Model   string                     `json:"model"`
	Results []service.PredictionResult `json:"results"`
	Failed  int                        `json:"failed"`
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func (s *Server) requestMiddleware(c *gin.Context) {
	id := uuid.NewString()
	c.Set(requestIDKey, id)
	c.Header("X-Request-ID", id)
	if s.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	}
	c.Next()
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) ModelsHandler(c *gin.Context) {
	def := s.registry.Default()
	var out []ModelInfo
	for _, name := range s.registry.Names() {
		b, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, ModelInfo{
			Name:      b.Name,
			Classes:   b.Labels.Labels(),
			ImageSize: b.ImageSize,
			Default:   b.Name == def,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) PredictHandler(c *gin.Context) {
	bundle, ok := s.bundle(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.uploadError(c, err, "no file uploaded, use the 'file' form field")
		return
	}
	in, err := readUpload(fileHeader)
	if err != nil {
		s.uploadError(c, err, "failed to read uploaded file")
		return
	}

	result, err := service.ClassifyOne(bundle, in)
	if err != nil {
		s.classifyError(c, bundle, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) BatchHandler(c *gin.Context) {
	bundle, ok := s.bundle(c)
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		s.uploadError(c, err, "expected a multipart form")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded, use the 'files' form field"})
		return
	}

	inputs := make([]service.ImageInput, 0, len(headers))
	for _, fh := range headers {
		in, err := readUpload(fh)
		if err != nil {
			s.uploadError(c, err, "failed to read uploaded file")
			return
		}
		inputs = append(inputs, in)
	}

	results, err := service.ClassifyMany(bundle, inputs)
	if err != nil {
		s.classifyError(c, bundle, err)
		return
	}
	s.writeBatch(c, bundle, results)
}

func (s *Server) ArchiveHandler(c *gin.Context) {
	bundle, ok := s.bundle(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.uploadError(c, err, "no archive uploaded, use the 'file' form field")
		return
	}
	in, err := readUpload(fileHeader)
	if err != nil {
		s.uploadError(c, err, "failed to read uploaded archive")
		return
	}

	results, err := s.archives.Classify(requestID(c), bundle, in.Data)
	if err != nil {
		s.classifyError(c, bundle, err)
		return
	}
	s.writeBatch(c, bundle, results)
}

func (s *Server) writeBatch(c *gin.Context, bundle *service.ModelBundle, results []service.PredictionResult) {
	failed := service.CountFailed(results)
	if failed > 0 {
		slog.Warn("Some images could not be classified",
			slog.String("request_id", requestID(c)),
			slog.String("model", bundle.Name),
			slog.Int("failed", failed),
			slog.Int("total", len(results)),
		)
	}
	c.JSON(http.StatusOK, BatchResponse{
		Model:   bundle.Name,
		Results: results,
		Failed:  failed,
	})
}

func (s *Server) bundle(c *gin.Context) (*service.ModelBundle, bool) {
	b, err := s.registry.Get(c.Param("model"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "models": s.registry.Names()})
		return nil, false
	}
	return b, true
}

func (s *Server) uploadError(c *gin.Context, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *Server) classifyError(c *gin.Context, bundle *service.ModelBundle, err error) {
	switch {
	case service.IsDecode(err), service.IsArchiveFormat(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Prediction failed",
			slog.String("request_id", requestID(c)),
			slog.String("model", bundle.Name),
			slog.Bool("configuration", service.IsConfiguration(err)),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
	}
}

func readUpload(fh *multipart.FileHeader) (service.ImageInput, error) {
	file, err := fh.Open()
	if err != nil {
		return service.ImageInput{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return service.ImageInput{}, err
	}
	return service.ImageInput{Name: fh.Filename, Data: data}, nil
}
