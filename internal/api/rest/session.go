package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viperbox/vipercore/internal/types"
)

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Status())
}

// POST /api/v1/connect
func (s *Server) connect(c *gin.Context) {
	var req struct {
		Probes   string `json:"probes"`
		Emulated bool   `json:"emulated"`
	}

	// Leerer Body ist erlaubt, dann gelten die Defaults
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid request body", err.Error()))
			return
		}
	}
	if req.Probes == "" {
		req.Probes = "-"
	}

	if err := s.session.Connect(c.Request.Context(), req.Probes, req.Emulated); err != nil {
		s.respondError(c, "connect", err)
		return
	}

	st := s.session.Status()
	c.JSON(http.StatusOK, feedback("connected, %d box(es) online", len(st.Boxes)))
}

// POST /api/v1/disconnect
func (s *Server) disconnect(c *gin.Context) {
	if err := s.session.Disconnect(c.Request.Context()); err != nil {
		s.respondError(c, "disconnect", err)
		return
	}

	c.JSON(http.StatusOK, feedback("disconnected"))
}
