package rest

import (
	"net/http"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Diffractometer().Status())
}

// GET /api/v1/ready
func (s *Server) getReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ready": s.lm.Diffractometer().IsReady()})
}

// GET /api/v1/phase
func (s *Server) getPhase(c *gin.Context) {
	d := s.lm.Diffractometer()
	c.JSON(http.StatusOK, gin.H{
		"phase": d.CurrentPhase(),
		"state": d.CurrentState(),
	})
}

// PUT /api/v1/phase
func (s *Server) setPhase(c *gin.Context) {
	var req struct {
		Phase string `json:"phase" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "PHASE", err)
		return
	}

	if err := s.lm.Diffractometer().SetPhase(c.Request.Context(), req.Phase); err != nil {
		respondError(c, "PHASE", "Phase request failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":   "Phase requested",
		"requested": req.Phase,
	})
}

// GET /api/v1/beam
func (s *Server) getBeamInfo(c *gin.Context) {
	info, err := s.lm.Diffractometer().BeamInfo(c.Request.Context())
	if err != nil {
		respondError(c, "BEAM", "Beam info unavailable", err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/v1/pixels-per-mm
func (s *Server) getPixelsPerMm(c *gin.Context) {
	x, y := s.lm.Diffractometer().PixelsPerMm()
	c.JSON(http.StatusOK, gin.H{"x": x, "y": y})
}

// POST /api/v1/pixels-per-mm/update
func (s *Server) updatePixelsPerMm(c *gin.Context) {
	d := s.lm.Diffractometer()
	if err := d.UpdatePixelsPerMm(c.Request.Context()); err != nil {
		respondError(c, "CALIBRATION", "Pixel size update failed", err)
		return
	}
	x, y := d.PixelsPerMm()
	c.JSON(http.StatusOK, gin.H{"x": x, "y": y})
}

// POST /api/v1/omega/move
func (s *Server) moveOmega(c *gin.Context) {
	var req struct {
		Position *float64 `json:"position" binding:"required"`
		Velocity *float64 `json:"velocity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "OMEGA", err)
		return
	}

	if err := s.lm.Diffractometer().MoveOmega(c.Request.Context(), *req.Position, req.Velocity); err != nil {
		respondError(c, "OMEGA", "Omega move failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"target": *req.Position})
}

// POST /api/v1/omega/move-relative waits for the instrument to settle.
func (s *Server) moveOmegaRelative(c *gin.Context) {
	var req struct {
		Delta *float64 `json:"delta" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "OMEGA", err)
		return
	}

	d := s.lm.Diffractometer()
	if err := d.MoveOmegaRelative(c.Request.Context(), *req.Delta); err != nil {
		respondError(c, "OMEGA", "Omega move failed", err)
		return
	}

	phi, _ := d.Motor(types.RolePhi)
	c.JSON(http.StatusOK, phi.Snapshot())
}
