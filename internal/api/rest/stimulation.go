package rest

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// POST /api/v1/stimulation/start
func (s *Server) startStimulation(c *gin.Context) {
	triggered, err := s.session.StartStimulation(c.Request.Context())
	if err != nil {
		s.respondError(c, "stimulation/start", err)
		return
	}

	text := fmt.Sprintf("stimulation triggered on %d probe(s)", len(triggered))
	if len(triggered) == 0 {
		text = "no stimulation units mapped, nothing triggered"
	}

	c.JSON(http.StatusOK, gin.H{
		"result":    true,
		"feedback":  text,
		"triggered": triggered,
	})
}

// POST /api/v1/stimulation/stop
func (s *Server) stopStimulation(c *gin.Context) {
	halted, err := s.session.StopStimulation(c.Request.Context())
	if err != nil {
		s.respondError(c, "stimulation/stop", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"result":   true,
		"feedback": fmt.Sprintf("stimulation halted on %d probe(s)", len(halted)),
		"halted":   halted,
	})
}
