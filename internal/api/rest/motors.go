package rest

import (
	"net/http"

	"github.com/KevinKickass/MiniDiffCore/internal/motor"
	"github.com/KevinKickass/MiniDiffCore/internal/types"
	"github.com/gin-gonic/gin"
)

type motorView struct {
	motor.Status
	Role                types.Role `json:"role"`
	Velocity            *float64   `json:"velocity,omitempty"`
	Acceleration        *float64   `json:"acceleration,omitempty"`
	PredefinedPositions []string   `json:"predefined_positions,omitempty"`
}

func (s *Server) motorParam(c *gin.Context) (*motor.Motor, bool) {
	role := types.Role(c.Param("role"))
	m, ok := s.lm.Diffractometer().Motor(role)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("MOTOR_404", "Motor not bound", string(role)))
		return nil, false
	}
	return m, true
}

// GET /api/v1/motors
func (s *Server) listMotors(c *gin.Context) {
	motors := s.lm.Diffractometer().Motors()

	response := make([]motorView, 0, len(motors))
	for _, role := range types.AllRoles() {
		if m, ok := motors[role]; ok {
			response = append(response, motorView{Status: m.Snapshot(), Role: role})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"motors": response,
		"count":  len(response),
	})
}

// GET /api/v1/motors/:role
func (s *Server) getMotor(c *gin.Context) {
	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	view := motorView{
		Status:              m.Snapshot(),
		Role:                types.Role(c.Param("role")),
		PredefinedPositions: m.PredefinedPositions(),
	}
	if v, ok := m.Velocity(c.Request.Context()); ok {
		view.Velocity = &v
	}
	if a, ok := m.Acceleration(c.Request.Context()); ok {
		view.Acceleration = &a
	}

	c.JSON(http.StatusOK, view)
}

// POST /api/v1/motors/:role/move
func (s *Server) moveMotor(c *gin.Context) {
	var req struct {
		Position *float64 `json:"position" binding:"required"`
		Wait     bool     `json:"wait"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MOTOR", err)
		return
	}

	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if req.Wait {
		if err := m.SyncMove(ctx, *req.Position, s.lm.Config().Motion.DefaultMoveTimeout); err != nil {
			respondError(c, "MOTOR", "Move failed", err)
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
		return
	}

	if err := m.Move(ctx, *req.Position); err != nil {
		respondError(c, "MOTOR", "Move failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"motor":  m.Name(),
		"target": *req.Position,
	})
}

// POST /api/v1/motors/:role/move-relative
func (s *Server) moveMotorRelative(c *gin.Context) {
	var req struct {
		Delta *float64 `json:"delta" binding:"required"`
		Wait  bool     `json:"wait"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MOTOR", err)
		return
	}

	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if req.Wait {
		if err := m.SyncMoveRelative(ctx, *req.Delta, s.lm.Config().Motion.DefaultMoveTimeout); err != nil {
			respondError(c, "MOTOR", "Relative move failed", err)
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
		return
	}

	if err := m.MoveRelative(ctx, *req.Delta); err != nil {
		respondError(c, "MOTOR", "Relative move failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"motor": m.Name(),
		"delta": *req.Delta,
	})
}

// POST /api/v1/motors/:role/predefined
func (s *Server) moveToPredefined(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MOTOR", err)
		return
	}

	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	known := false
	for _, name := range m.PredefinedPositions() {
		if name == req.Name {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MOTOR_400", "Unknown predefined position", req.Name))
		return
	}

	if err := m.MoveToPredefined(c.Request.Context(), req.Name); err != nil {
		respondError(c, "MOTOR", "Move failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"motor":      m.Name(),
		"predefined": req.Name,
	})
}

// POST /api/v1/motors/:role/stop
func (s *Server) stopMotor(c *gin.Context) {
	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	if err := m.Stop(c.Request.Context()); err != nil {
		respondError(c, "MOTOR", "Stop failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"motor":   m.Name(),
		"message": "stop requested",
	})
}

// GET /api/v1/motors/:role/velocity
func (s *Server) getVelocity(c *gin.Context) {
	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	v, ok := m.Velocity(c.Request.Context())
	if !ok {
		c.JSON(http.StatusOK, gin.H{"motor": m.Name(), "available": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"motor": m.Name(), "available": true, "velocity": v})
}

// PUT /api/v1/motors/:role/velocity
func (s *Server) setVelocity(c *gin.Context) {
	var req struct {
		Velocity *float64 `json:"velocity" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MOTOR", err)
		return
	}

	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	if err := m.SetVelocity(c.Request.Context(), *req.Velocity); err != nil {
		respondError(c, "MOTOR", "Set velocity failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"motor": m.Name(), "velocity": *req.Velocity})
}

// GET /api/v1/motors/:role/limits
func (s *Server) getLimits(c *gin.Context) {
	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	lower, upper := m.Limits()
	c.JSON(http.StatusOK, gin.H{"motor": m.Name(), "lower": lower, "upper": upper})
}

// PUT /api/v1/motors/:role/limits
func (s *Server) setLimits(c *gin.Context) {
	var req struct {
		Lower *float64 `json:"lower" binding:"required"`
		Upper *float64 `json:"upper" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MOTOR", err)
		return
	}

	m, ok := s.motorParam(c)
	if !ok {
		return
	}

	if err := m.SetLimits(*req.Lower, *req.Upper); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MOTOR_400", "Invalid limits", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"motor": m.Name(), "lower": *req.Lower, "upper": *req.Upper})
}
