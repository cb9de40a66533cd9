package api

import (
	"net/http"

	"ugc/server/internal/batch"
	"ugc/server/internal/model"

	"github.com/gin-gonic/gin"
)

type createBatchRequest struct {
	Texts    []string         `json:"texts" binding:"required"`
	Provider model.ProviderID `json:"provider"`
	Kind     model.JobKind    `json:"kind"`
	Model    string           `json:"model"`
	Settings model.Settings   `json:"settings"`
}

func (s *Server) createBatch(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "texts is required", false, nil)
		return
	}
	b, err := s.batches.Start(c.Request.Context(), userIDFromContext(c), traceIDFromContext(c), req.Texts, batch.Template{
		Provider: req.Provider,
		Kind:     req.Kind,
		Model:    req.Model,
		Settings: req.Settings,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusAccepted, b)
}

func (s *Server) listBatches(c *gin.Context) {
	items, err := s.batches.List(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if items == nil {
		items = []model.BatchJob{}
	}
	writeData(c, http.StatusOK, gin.H{"items": items})
}

func (s *Server) getBatch(c *gin.Context) {
	b, err := s.batches.Get(c.Request.Context(), userIDFromContext(c), c.Param("batch_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, b)
}

func (s *Server) cancelBatch(c *gin.Context) {
	b, err := s.batches.Cancel(c.Request.Context(), userIDFromContext(c), c.Param("batch_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, b)
}

func (s *Server) removeBatch(c *gin.Context) {
	removed, err := s.batches.Remove(c.Request.Context(), userIDFromContext(c), c.Param("batch_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !removed {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Batch not found", false, nil)
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}
