package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shelfarr/Shelfarr/internal/domain"
)

// handleHealth reports liveness: database reachability plus a coarse volume
// summary. Offline volumes degrade the status but do not fail the check; an
// intermittently-mounted NAS is a normal operating condition.
func (s *RESTServer) handleHealth(c *gin.Context) {
	status := "ok"
	httpStatus := http.StatusOK

	if err := s.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}

	online, offline := 0, 0
	vols, err := s.store.ListVolumes()
	if err == nil {
		for _, v := range vols {
			if v.Status == domain.VolumeOnline {
				online++
			} else {
				offline++
			}
		}
		if offline > 0 {
			status = "degraded"
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":          status,
		"volumes_online":  online,
		"volumes_offline": offline,
		"active_scans":    len(s.scanner.GetActiveScans()),
	})
}

func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        s.version,
		"go_version":     runtime.Version(),
		"os":             runtime.GOOS,
		"arch":           runtime.GOARCH,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"ws_clients":     s.hub.ClientCount(),
	})
}

// getStats returns catalog-wide entry counts by status plus volume totals.
func (s *RESTServer) getStats(c *gin.Context) {
	counts, err := s.store.CountByStatus()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	vols, err := s.store.ListVolumes()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	online := 0
	for _, v := range vols {
		if v.Status == domain.VolumeOnline {
			online++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": gin.H{
			"indexed": counts[domain.EntryIndexed],
			"missing": counts[domain.EntryMissing],
			"offline": counts[domain.EntryOffline],
		},
		"volumes": gin.H{
			"total":  len(vols),
			"online": online,
		},
	})
}
