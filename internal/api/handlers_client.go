package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) clientBootstrap(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"feature_flags": gin.H{
			"sse_job_events": true,
			"batch_mode":     true,
			"favorites":      true,
		},
		"poll_interval_ms": s.pollInterval.Milliseconds(),
		"sse": gin.H{
			"heartbeat_sec": 15,
			"retry_ms":      2000,
		},
		"providers": s.providers.List(),
	})
}

func (s *Server) listProviders(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{"items": s.providers.List()})
}
