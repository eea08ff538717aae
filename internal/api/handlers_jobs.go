package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/logger"
	"github.com/shelfarr/Shelfarr/internal/services"
)

// runVerify re-checks all missing entries on online volumes.
func (s *RESTServer) runVerify(c *gin.Context) {
	report, err := s.tracker.Verify()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// runDedup runs one full deduplication pass. The pass is bounded by the
// request context so a disconnecting client stops the work.
func (s *RESTServer) runDedup(c *gin.Context) {
	report, err := s.dedup.Run(c.Request.Context())
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type renderBatchRequest struct {
	VolumeID int64 `json:"volume_id" binding:"required"`
	Force    bool  `json:"force"`
}

// triggerRenderBatch queues previews for one volume's stale entries. The
// batch runs in the background; per-job outcomes stream over the event bus
// and the WebSocket.
func (s *RESTServer) triggerRenderBatch(c *gin.Context) {
	var req renderBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	vol, err := s.store.GetVolume(req.VolumeID)
	if errors.Is(err, catalog.ErrNotFound) {
		respondNotFound(c, "Volume")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	var entries []services.RenderJob
	if req.Force {
		all, err := s.store.ListByVolume(vol.ID, domain.EntryIndexed)
		if err != nil {
			respondDatabaseError(c, err)
			return
		}
		for _, e := range all {
			entries = append(entries, services.RenderJob{Entry: e, Volume: vol})
		}
	} else {
		stale, err := s.renderPool.StaleThumbnails(vol.ID)
		if err != nil {
			respondDatabaseError(c, err)
			return
		}
		for _, e := range stale {
			entries = append(entries, services.RenderJob{Entry: e, Volume: vol})
		}
	}

	go func(jobs []services.RenderJob, force bool) {
		for update := range s.renderPool.RenderBatch(context.Background(), jobs, force) {
			if update.Error != "" {
				logger.Debugf("Render update for entry %d: %s", update.EntryID, update.Error)
			}
		}
	}(entries, req.Force)

	c.JSON(http.StatusAccepted, gin.H{"volume_id": vol.ID, "queued": len(entries)})
}

// testNotification pushes a test message to every configured target.
func (s *RESTServer) testNotification(c *gin.Context) {
	if err := s.notifier.SendTest(); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
