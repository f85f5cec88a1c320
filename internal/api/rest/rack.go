package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenLabRig/internal/rack"
	"github.com/gin-gonic/gin"
)

type MoveRequest struct {
	Slot  *int  `json:"slot" binding:"required"`
	Block *bool `json:"block"`
}

type BandpassRequest struct {
	WavelengthNM *float64 `json:"wavelength_nm" binding:"required"`
	TolNM        *float64 `json:"tol_nm"`
	Block        *bool    `json:"block"`
}

type NDRequest struct {
	OD    any      `json:"od" binding:"required"`
	Tol   *float64 `json:"tol"`
	Block *bool    `json:"block"`
}

// Moves block unless the caller asks otherwise.
func blocking(b *bool) bool {
	return b == nil || *b
}

// GET /api/v1/rack/wheels
func (s *Server) listWheels(c *gin.Context) {
	keys := s.lm.Rack().ListWheels()
	c.JSON(http.StatusOK, gin.H{
		"wheels": keys,
		"count":  len(keys),
	})
}

// GET /api/v1/rack/wheels/:key
func (s *Server) getWheelStatus(c *gin.Context) {
	status, err := s.lm.Rack().WheelStatus(c.Param("key"))
	if err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/rack/wheels/:key/filters
func (s *Server) getWheelFilters(c *gin.Context) {
	filters, err := s.lm.Rack().FiltersForWheel(c.Param("key"))
	if err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wheel":   c.Param("key"),
		"filters": filters,
	})
}

// POST /api/v1/rack/wheels/:key/move
func (s *Server) moveWheel(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	key := c.Param("key")
	if err := s.lm.Rack().MoveWheel(c.Request.Context(), key, *req.Slot, blocking(req.Block)); err != nil {
		s.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wheel": key,
		"slot":  *req.Slot,
	})
}

// POST /api/v1/rack/bandpass
func (s *Server) selectBandpass(c *gin.Context) {
	var req BandpassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	sel, err := s.lm.Rack().SelectBandpass(c.Request.Context(), *req.WavelengthNM, rack.SelectOptions{
		Tolerance: req.TolNM,
		Block:     blocking(req.Block),
	})
	if err != nil {
		s.respondSelectionError(c, sel, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

// POST /api/v1/rack/nd
func (s *Server) selectND(c *gin.Context) {
	var req NDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	sel, err := s.lm.Rack().SelectND(c.Request.Context(), req.OD, rack.SelectOptions{
		Tolerance: req.Tol,
		Block:     blocking(req.Block),
	})
	if err != nil {
		s.respondSelectionError(c, sel, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

// A selection that resolved but failed to move still reports its moves.
func (s *Server) respondSelectionError(c *gin.Context, sel *rack.Selection, err error) {
	if sel != nil {
		s.respondError(c, err, sel)
		return
	}
	s.respondError(c, err, nil)
}

// GET /api/v1/rack/filters
func (s *Server) availableFilters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"filters":  s.lm.Rack().AvailableFilters(),
		"bandpass": s.lm.Rack().Bandpass(),
		"nd":       s.lm.Rack().ND(),
	})
}

// GET /api/v1/rack/status
func (s *Server) getRackStatus(c *gin.Context) {
	rk := s.lm.Rack()
	c.JSON(http.StatusOK, gin.H{
		"wheels": rk.Status(),
		"index":  rk.IndexInfo(),
	})
}

// POST /api/v1/rack/refresh
func (s *Server) refreshRack(c *gin.Context) {
	changed, err := s.lm.Rescan(c.Request.Context())
	if err != nil {
		s.respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"changed": changed,
		"index":   s.lm.Rack().IndexInfo(),
	})
}
