package rest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabRig/internal/ammeter"
	"github.com/KevinKickass/OpenLabRig/internal/devices"
	"github.com/KevinKickass/OpenLabRig/internal/shutter"
	"github.com/gin-gonic/gin"
)

type ShutterRequest struct {
	Action string `json:"action" binding:"required"`
}

type MultisampleRequest struct {
	N         int      `json:"n" binding:"required"`
	DT        *float64 `json:"dt"` // seconds
	ReturnArr *bool    `json:"return_arr"`
}

const defaultSampleInterval = 0.1

func (s *Server) shutterOrError(c *gin.Context) (*shutter.LabJack, bool) {
	sh := s.lm.Shutter()
	if sh == nil {
		s.respondError(c, fmt.Errorf("shutter: %w", devices.ErrNotConfigured), nil)
		return nil, false
	}
	return sh, true
}

func (s *Server) ammeterOrError(c *gin.Context) (*ammeter.Picoammeter, bool) {
	am := s.lm.Ammeter()
	if am == nil {
		s.respondError(c, fmt.Errorf("ammeter: %w", devices.ErrNotConfigured), nil)
		return nil, false
	}
	return am, true
}

// GET /api/v1/shutter
func (s *Server) getShutter(c *gin.Context) {
	sh, ok := s.shutterOrError(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sh.Status())
}

// POST /api/v1/shutter
func (s *Server) setShutter(c *gin.Context) {
	var req ShutterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	sh, ok := s.shutterOrError(c)
	if !ok {
		return
	}

	if err := sh.Apply(c.Request.Context(), req.Action); err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, sh.Status())
}

// GET /api/v1/ammeter
func (s *Server) getAmmeter(c *gin.Context) {
	am, ok := s.ammeterOrError(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, am.Status())
}

// GET /api/v1/ammeter/current
func (s *Server) readCurrent(c *gin.Context) {
	am := s.lm.Ammeter()
	if am == nil || !am.IsConnected() {
		s.respondError(c, fmt.Errorf("ammeter: %w", devices.ErrNotConnected), nil)
		return
	}

	current, err := am.ReadCurrent(c.Request.Context())
	if err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current_a": current,
		"timestamp": time.Now().Unix(),
	})
}

// POST /api/v1/ammeter/multisample
func (s *Server) readMultisample(c *gin.Context) {
	var req MultisampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	am := s.lm.Ammeter()
	if am == nil || !am.IsConnected() {
		s.respondError(c, fmt.Errorf("ammeter: %w", devices.ErrNotConnected), nil)
		return
	}

	dt := defaultSampleInterval
	if req.DT != nil {
		dt = *req.DT
	}
	returnArr := req.ReturnArr == nil || *req.ReturnArr

	res, err := am.ReadMultisample(c.Request.Context(), req.N, time.Duration(dt*float64(time.Second)), returnArr)
	if err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /api/v1/ammeter/connect
func (s *Server) connectAmmeter(c *gin.Context) {
	am, ok := s.ammeterOrError(c)
	if !ok {
		return
	}
	if err := am.Connect(c.Request.Context()); err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": am.IsConnected()})
}

// POST /api/v1/ammeter/disconnect
func (s *Server) disconnectAmmeter(c *gin.Context) {
	am, ok := s.ammeterOrError(c)
	if !ok {
		return
	}
	if err := am.Disconnect(); err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disconnected": !am.IsConnected()})
}
