package rest

import (
	"net/http"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/centring
func (s *Server) getCentring(c *gin.Context) {
	engine := s.lm.Centring()
	if engine == nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse("CENTRING_409", "Centring is not configured", nil))
		return
	}

	response := gin.H{"active": engine.Active()}
	if last, ok := engine.LastResult(); ok {
		response["last_result"] = last
	}
	c.JSON(http.StatusOK, response)
}

// POST /api/v1/centring/manual
func (s *Server) startManualCentring(c *gin.Context) {
	id, ok := s.lm.Diffractometer().StartManualCentring(c.Request.Context())
	if !ok {
		c.JSON(http.StatusConflict, types.NewErrorResponse("CENTRING_409", "Centring could not start", nil))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "mode": "manual"})
}

// POST /api/v1/centring/auto
func (s *Server) startAutoCentring(c *gin.Context) {
	src := s.lm.PointSource()
	if src == nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse("CENTRING_409", "No sample locator for automatic centring", nil))
		return
	}

	id, ok := s.lm.Diffractometer().StartAutoCentring(c.Request.Context(), src)
	if !ok {
		c.JSON(http.StatusConflict, types.NewErrorResponse("CENTRING_409", "Centring could not start", nil))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "mode": "auto"})
}

// POST /api/v1/centring/click
func (s *Server) centringClick(c *gin.Context) {
	var req struct {
		X *float64 `json:"x" binding:"required"`
		Y *float64 `json:"y" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "CENTRING", err)
		return
	}

	engine := s.lm.Centring()
	if engine == nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse("CENTRING_409", "Centring is not configured", nil))
		return
	}

	done, err := engine.Click(c.Request.Context(), *req.X, *req.Y)
	if err != nil {
		respondError(c, "CENTRING", "Click rejected", err)
		return
	}

	response := gin.H{"done": done}
	if done {
		if last, ok := engine.LastResult(); ok {
			response["result"] = last
		}
	}
	c.JSON(http.StatusOK, response)
}

// POST /api/v1/centring/invalidate
func (s *Server) invalidateCentring(c *gin.Context) {
	s.lm.Diffractometer().InvalidateCentring()
	c.JSON(http.StatusOK, gin.H{"message": "centring invalidated"})
}
