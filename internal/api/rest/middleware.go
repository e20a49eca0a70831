package rest

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/centring"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if user := c.GetString("username"); user != "" {
			fields = append(fields, zap.String("username", user))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed", fields...)
			return
		}
		logger.Debug("Request completed", fields...)
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError maps domain errors onto HTTP status codes. The error code is
// prefix plus the status, for example MOTOR_504.
func respondError(c *gin.Context, prefix, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrConfiguration):
		status = http.StatusConflict
	case errors.Is(err, centring.ErrBusy), errors.Is(err, centring.ErrInactive):
		status = http.StatusConflict
	case errors.Is(err, centring.ErrDegenerate):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, types.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, types.ErrUnmappedState):
		status = http.StatusBadGateway
	}

	c.JSON(status, types.NewErrorResponse(fmt.Sprintf("%s_%d", prefix, status), message, err.Error()))
}

func badRequest(c *gin.Context, prefix string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(prefix+"_400", "Invalid request body", err.Error()))
}
