package api

import (
	"net/http"
	"strconv"

	"ugc/server/internal/model"

	"github.com/gin-gonic/gin"
)

func (s *Server) listHistory(c *gin.Context) {
	userID := userIDFromContext(c)
	favoritesOnly, _ := strconv.ParseBool(c.Query("favorites"))
	var (
		items []model.HistoryItem
		err   error
	)
	if favoritesOnly {
		items, err = s.history.ListFavorites(c.Request.Context(), userID)
	} else {
		items, err = s.history.ListAll(c.Request.Context(), userID)
	}
	if err != nil {
		s.log.Error("list history failed", "trace_id", traceIDFromContext(c), "error", err)
		writeServiceError(c, err)
		return
	}
	if items == nil {
		items = []model.HistoryItem{}
	}
	writeData(c, http.StatusOK, gin.H{"items": items})
}

func (s *Server) historyStats(c *gin.Context) {
	stats, err := s.history.Stats(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, stats)
}

func (s *Server) toggleFavorite(c *gin.Context) {
	fav, err := s.history.ToggleFavorite(c.Request.Context(), userIDFromContext(c), c.Param("item_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"id": c.Param("item_id"), "is_favorite": fav})
}

func (s *Server) removeHistoryItem(c *gin.Context) {
	removed, err := s.history.Remove(c.Request.Context(), userIDFromContext(c), c.Param("item_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !removed {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "History item not found", false, nil)
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}
