package rest

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/viperbox/vipercore/internal/types"
)

// POST /api/v1/recording/start
func (s *Server) startRecording(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}

	// Ohne Body wird ein unbenannter Mitschnitt gestartet
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid request body", err.Error()))
			return
		}
	}

	path, err := s.session.StartRecording(c.Request.Context(), req.Name)
	if err != nil {
		s.respondError(c, "recording/start", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result":    true,
		"feedback":  "recording started: " + path,
		"file_path": path,
	})
}

// POST /api/v1/recording/stop
func (s *Server) stopRecording(c *gin.Context) {
	summary, err := s.session.StopRecording(c.Request.Context())
	if err != nil {
		s.respondError(c, "recording/stop", err)
		return
	}

	text := fmt.Sprintf("recording %s stopped after %d frames", summary.Name, summary.Frames)
	if summary.Fault != "" {
		text += "; fault: " + summary.Fault
	}

	c.JSON(http.StatusOK, gin.H{
		"result":   true,
		"feedback": text,
		"summary":  summary,
	})
}

// GET /api/v1/recordings
func (s *Server) listRecordings(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("REQUEST_400", "Invalid limit parameter", raw))
			return
		}
		limit = v
	}

	recordings, err := s.session.Recordings(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, "recordings", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recordings": recordings,
		"count":      len(recordings),
	})
}
