package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/services"
)

type triggerScanRequest struct {
	VolumeID        int64  `json:"volume_id" binding:"required"`
	Force           bool   `json:"force"`
	DuplicatePolicy string `json:"duplicate_policy"`
}

func (s *RESTServer) triggerScan(c *gin.Context) {
	var req triggerScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	opts := services.ScanOptions{Force: req.Force}
	if req.DuplicatePolicy != "" {
		opts.DuplicatePolicy = domain.DuplicatePolicy(req.DuplicatePolicy)
		if !opts.DuplicatePolicy.Valid() {
			respondWithError(c, http.StatusBadRequest, "Invalid duplicate policy", nil)
			return
		}
	}

	scanID, err := s.scanner.Scan(req.VolumeID, opts)
	if err != nil {
		// Concurrent-scan and offline-volume refusals are state conflicts,
		// not malformed requests.
		respondConflict(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan_id": scanID, "volume_id": req.VolumeID})
}

func (s *RESTServer) getScans(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := s.store.ListScans(limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": records})
}

func (s *RESTServer) getActiveScans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scans": s.scanner.GetActiveScans()})
}

func (s *RESTServer) getScanDetails(c *gin.Context) {
	record, err := s.store.GetScan(c.Param("scan_id"))
	if errors.Is(err, catalog.ErrNotFound) {
		respondNotFound(c, "Scan")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *RESTServer) cancelScan(c *gin.Context) {
	scanID := c.Param("scan_id")
	if err := s.scanner.CancelScan(scanID); err != nil {
		respondNotFound(c, "Active scan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan_id": scanID, "status": "cancelling"})
}

func (s *RESTServer) pauseScan(c *gin.Context) {
	scanID := c.Param("scan_id")
	if err := s.scanner.PauseScan(scanID); err != nil {
		respondNotFound(c, "Active scan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan_id": scanID, "status": "paused"})
}

func (s *RESTServer) resumeScan(c *gin.Context) {
	scanID := c.Param("scan_id")
	if err := s.scanner.ResumeScan(scanID); err != nil {
		respondNotFound(c, "Active scan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scan_id": scanID, "status": "scanning"})
}

func (s *RESTServer) cancelAllScans(c *gin.Context) {
	active := s.scanner.GetActiveScans()
	cancelled := 0
	for _, p := range active {
		if err := s.scanner.CancelScan(p.ID); err == nil {
			cancelled++
		}
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}
