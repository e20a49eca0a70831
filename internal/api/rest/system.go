package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// GET /api/v1/system/instrument
func (s *Server) getInstrument(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Profile())
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}
