package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shelfarr/Shelfarr/internal/catalog"
)

// parseIDParam extracts a positive int64 path parameter.
func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(c, http.StatusBadRequest, ErrMsgInvalidID, err)
		return 0, false
	}
	return id, true
}

func (s *RESTServer) getVolumes(c *gin.Context) {
	vols, err := s.store.ListVolumes()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volumes": vols})
}

func (s *RESTServer) getVolume(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	vol, err := s.store.GetVolume(id)
	if errors.Is(err, catalog.ErrNotFound) {
		respondNotFound(c, "Volume")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, vol)
}

type registerVolumeRequest struct {
	Label     string `json:"label" binding:"required"`
	MountRoot string `json:"mount_root" binding:"required"`
	ReadOnly  bool   `json:"read_only"`
}

func (s *RESTServer) registerVolume(c *gin.Context) {
	var req registerVolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	vol, err := s.registry.Register(req.Label, req.MountRoot, req.ReadOnly)
	if err != nil {
		respondBadRequest(c, err, true)
		return
	}
	c.JSON(http.StatusCreated, vol)
}

// checkVolumes re-probes every registered volume and reports transitions.
func (s *RESTServer) checkVolumes(c *gin.Context) {
	changes, err := s.tracker.CheckVolumes()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	transitions := make([]gin.H, 0, len(changes))
	for _, ch := range changes {
		transitions = append(transitions, gin.H{
			"volume_id": ch.Volume.ID,
			"label":     ch.Volume.Label,
			"from":      ch.From,
			"to":        ch.To,
			"reason":    ch.Reason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

type scheduleRequest struct {
	Cron string `json:"cron" binding:"required"`
}

func (s *RESTServer) scheduleVolumeScan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	if _, err := s.store.GetVolume(id); errors.Is(err, catalog.ErrNotFound) {
		respondNotFound(c, "Volume")
		return
	} else if err != nil {
		respondDatabaseError(c, err)
		return
	}

	if err := s.scheduler.ScheduleScan(id, req.Cron); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume_id": id, "cron": req.Cron})
}

func (s *RESTServer) unscheduleVolumeScan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	s.scheduler.UnscheduleScan(id)
	c.JSON(http.StatusOK, gin.H{"volume_id": id, "scheduled": false})
}
