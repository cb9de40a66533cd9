package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ugc/server/internal/events"
	"ugc/server/internal/model"
	"ugc/server/internal/provider"

	"github.com/gin-gonic/gin"
)

// statusView is the polling response for one generation. Output is present
// only for succeeded jobs and Error only for failed or canceled ones.
type statusView struct {
	ID        string           `json:"id"`
	Status    model.JobState   `json:"status"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message,omitempty"`
	Output    string           `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Provider  model.ProviderID `json:"provider"`
	Kind      model.JobKind    `json:"kind"`
	Model     string           `json:"model,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func newStatusView(j model.GenerationJob) statusView {
	v := statusView{
		ID:        j.ID,
		Status:    j.State,
		Progress:  j.Progress,
		Message:   j.Message,
		Provider:  j.Provider,
		Kind:      j.Kind,
		Model:     j.Model,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	switch j.State {
	case model.JobSucceeded:
		v.Output = j.Output
	case model.JobFailed, model.JobCanceled:
		v.Error = j.Error
		v.ErrorKind = j.ErrorKind
	}
	return v
}

func (s *Server) createGeneration(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req provider.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid generation payload", false, nil)
		return
	}
	userID := userIDFromContext(c)
	j, err := s.jobs.CreateJob(c.Request.Context(), userID, traceIDFromContext(c), c.GetHeader("Idempotency-Key"), req)
	if err != nil {
		s.log.Warn("create generation failed",
			"trace_id", traceIDFromContext(c),
			"user_id", userID,
			"provider", req.Provider,
			"error", err,
		)
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusAccepted, newStatusView(j))
}

func (s *Server) listGenerations(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := min(queryInt(c, "page_size", 20), 100)
	jobs, total := s.jobs.ListJobs(userIDFromContext(c), page, pageSize)
	items := make([]statusView, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, newStatusView(j))
	}
	writeData(c, http.StatusOK, gin.H{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	})
}

func (s *Server) getGeneration(c *gin.Context) {
	j, err := s.jobs.GetJob(userIDFromContext(c), c.Param("job_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, newStatusView(j))
}

func (s *Server) cancelGeneration(c *gin.Context) {
	j, err := s.jobs.CancelJob(userIDFromContext(c), c.Param("job_id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, newStatusView(j))
}

func (s *Server) streamGenerationEvents(c *gin.Context) {
	jobID := c.Param("job_id")
	userID := userIDFromContext(c)
	if _, err := s.jobs.GetJob(userID, jobID); err != nil {
		writeServiceError(c, err)
		return
	}

	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	sub := s.hub.Subscribe(jobID, 128)
	defer sub.Cancel()
	s.log.Debug("event stream opened", "job_id", jobID, "from_seq", fromSeq, "subscribers", s.hub.Subscribers(jobID))
	backlog, _ := s.jobs.ListEventsFrom(jobID, fromSeq)
	// Jobs that ended long ago are no longer tracked by the hub.
	job, _ := s.jobs.GetJob(userID, jobID)
	settled := job.State.IsTerminal() && time.Since(job.EndedAt) > events.DefaultClosedRetention

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}

	lastSeq := fromSeq
	for _, evt := range backlog {
		writeSSE(c, evt)
		lastSeq = evt.Seq
		if isFinalEvent(evt.Type) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()
	if settled {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			lastSeq = evt.Seq
			writeSSE(c, evt)
			flusher.Flush()
			if isFinalEvent(evt.Type) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// isFinalEvent reports the last event a job emits. Succeeded jobs are
// followed by history_saved.
func isFinalEvent(t model.JobEventType) bool {
	return t == model.EventJobFailed || t == model.EventJobCanceled || t == model.EventHistorySaved
}

func writeSSE(c *gin.Context, evt model.JobEvent) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
