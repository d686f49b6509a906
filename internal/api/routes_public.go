package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/liqitap/internal/config"
	"github.com/energizer-project/liqitap/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "liqitap",
		"version": config.Version,
	})
}

// handleSystem returns host and process information.
func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    config.Version,
		"go_version": runtime.Version(),
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"system":     util.GetSystemInfo(),
	})
}
