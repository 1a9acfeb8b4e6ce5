package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/estateflow/responsecache/pkg/cache"
)

// stateChangeRequest is the body for POST /v1/subjects/:id/state.
type stateChangeRequest struct {
	NewState string `json:"new_state" binding:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) handleStateChange(c *gin.Context) {
	subjectID := c.Param("id")
	if subjectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subject id is required"})
		return
	}

	var req stateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evt, err := s.bus.OnStateChange(c.Request.Context(), subjectID, req.NewState, req.Reason)
	if err != nil {
		s.logger.Error("State change invalidation failed", map[string]interface{}{
			"subject_id": subjectID,
			"new_state":  req.NewState,
			"error":      err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id":            evt.EventID,
		"subject_id":          evt.SubjectID,
		"new_state":           evt.NewState,
		"affected_operations": evt.AffectedOperations,
	})
}

// invalidationEventRequest is the body for POST /v1/invalidations, used when
// an upstream system replays its own event stream.
type invalidationEventRequest struct {
	EventID            string   `json:"event_id" binding:"required"`
	SubjectID          string   `json:"subject_id" binding:"required"`
	NewState           string   `json:"new_state"`
	Reason             string   `json:"reason"`
	AffectedOperations []string `json:"affected_operations" binding:"required"`
	Timestamp          string   `json:"timestamp"`
}

func (s *Server) handleInvalidationEvent(c *gin.Context) {
	var req invalidationEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id must be a UUID"})
		return
	}

	ops := make([]cache.Operation, len(req.AffectedOperations))
	for i, op := range req.AffectedOperations {
		ops[i] = cache.Operation(op)
	}

	ts := time.Now()
	if req.Timestamp != "" {
		parsed, perr := time.Parse(time.RFC3339, req.Timestamp)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC 3339"})
			return
		}
		ts = parsed
	}

	evt := &cache.InvalidationEvent{
		EventID:            eventID,
		SubjectID:          req.SubjectID,
		NewState:           req.NewState,
		Reason:             req.Reason,
		AffectedOperations: ops,
		Timestamp:          ts,
	}
	if err := s.bus.Apply(c.Request.Context(), evt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalidation failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": evt.EventID})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coordinator.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Check(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
