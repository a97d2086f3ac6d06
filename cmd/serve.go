package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/fashionclf/config"
	"github.com/krau/fashionclf/onnx"
	"github.com/krau/fashionclf/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP classification server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.C()

		if err := onnx.Init(cfg.Libonnx); err != nil {
			return err
		}
		defer onnx.Shutdown()

		reg, closeModels, err := server.LoadModels(cfg)
		if err != nil {
			return err
		}
		defer closeModels()

		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:    cfg.Addr(),
			Handler: server.New(reg, server.ArchiveClassifier(cfg), cfg.MaxUploadBytes()).Router(),
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("Listening on", slog.String("address", cfg.Addr()), slog.Any("models", reg.Names()))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
