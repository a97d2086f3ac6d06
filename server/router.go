package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if s.maxUpload > 0 {
		r.MaxMultipartMemory = s.maxUpload
	}
	r.Use(s.requestMiddleware)

	r.GET("/health", HealthHandler)
	r.GET("/models", s.ModelsHandler)

	r.POST("/predict", s.PredictHandler)
	r.POST("/predict/batch", s.BatchHandler)
	r.POST("/predict/archive", s.ArchiveHandler)

	m := r.Group("/models/:model")
	{
		m.POST("/predict", s.PredictHandler)
		m.POST("/predict/batch", s.BatchHandler)
		m.POST("/predict/archive", s.ArchiveHandler)
	}
	return r
}
