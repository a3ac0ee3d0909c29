package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viperbox/vipercore/internal/types"
)

type settingsRequest struct {
	XML           string `json:"xml"`
	DefaultValues bool   `json:"default_values"`
}

// POST /api/v1/settings/recording
func (s *Server) uploadRecordingSettings(c *gin.Context) {
	s.applySettings(c, "recording")
}

// POST /api/v1/settings/stimulation
func (s *Server) uploadStimulationSettings(c *gin.Context) {
	s.applySettings(c, "stimulation")
}

func (s *Server) applySettings(c *gin.Context, kind string) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid request body", err.Error()))
		return
	}

	// default_values ersetzt das mitgeschickte XML durch die eingebauten Defaults
	if req.DefaultValues {
		if err := s.session.ApplyDefaults(c.Request.Context()); err != nil {
			s.respondError(c, "settings/"+kind, err)
			return
		}
		c.JSON(http.StatusOK, feedback("default settings applied"))
		return
	}

	var err error
	if kind == "recording" {
		err = s.session.UploadRecordingSettings(c.Request.Context(), []byte(req.XML))
	} else {
		err = s.session.UploadStimulationSettings(c.Request.Context(), []byte(req.XML))
	}
	if err != nil {
		s.respondError(c, "settings/"+kind, err)
		return
	}

	c.JSON(http.StatusOK, feedback("%s settings applied", kind))
}

// POST /api/v1/settings/verify
func (s *Server) verifySettings(c *gin.Context) {
	var req struct {
		XML string `json:"xml" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.session.VerifySettings([]byte(req.XML)); err != nil {
		s.respondError(c, "settings/verify", err)
		return
	}

	c.JSON(http.StatusOK, feedback("settings document is valid"))
}

// POST /api/v1/settings/defaults
func (s *Server) applyDefaults(c *gin.Context) {
	if err := s.session.ApplyDefaults(c.Request.Context()); err != nil {
		s.respondError(c, "settings/defaults", err)
		return
	}

	c.JSON(http.StatusOK, feedback("default settings applied"))
}
