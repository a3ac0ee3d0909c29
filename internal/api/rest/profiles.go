package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/viperbox/vipercore/internal/types"
)

// GET /api/v1/profiles
func (s *Server) listProfiles(c *gin.Context) {
	entries := s.profiles.List()

	c.JSON(http.StatusOK, gin.H{
		"profiles": entries,
		"count":    len(entries),
	})
}

// GET /api/v1/profiles/:id
func (s *Server) getProfile(c *gin.Context) {
	id := c.Param("id")

	profile, err := s.profiles.Load(id)
	if err != nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("PROFILE_404", "Profile not found", err.Error()))
		return
	}

	c.JSON(http.StatusOK, profile)
}
