package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/domain"
)

func parseEntryStatus(raw string) (domain.EntryStatus, bool) {
	switch domain.EntryStatus(raw) {
	case domain.EntryIndexed, domain.EntryMissing, domain.EntryOffline:
		return domain.EntryStatus(raw), true
	default:
		return "", false
	}
}

// getEntries lists catalog entries filtered by volume and/or status.
func (s *RESTServer) getEntries(c *gin.Context) {
	status, ok := parseEntryStatus(c.DefaultQuery("status", string(domain.EntryIndexed)))
	if !ok {
		respondWithError(c, http.StatusBadRequest, "Invalid entry status", nil)
		return
	}

	var (
		entries []*domain.CatalogEntry
		err     error
	)
	if raw := c.Query("volume_id"); raw != "" {
		volumeID, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || volumeID <= 0 {
			respondWithError(c, http.StatusBadRequest, ErrMsgInvalidID, parseErr)
			return
		}
		entries, err = s.store.ListByVolume(volumeID, status)
	} else {
		entries, err = s.store.ListByStatus(status)
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if entries == nil {
		entries = []*domain.CatalogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "status": status})
}

func (s *RESTServer) getEntry(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	entry, err := s.store.GetByID(id)
	if errors.Is(err, catalog.ErrNotFound) {
		respondNotFound(c, "Entry")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// getEntryThumbnail serves the entry's preview image if one can be located
// through any of the known placements.
func (s *RESTServer) getEntryThumbnail(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	entry, err := s.store.GetByID(id)
	if errors.Is(err, catalog.ErrNotFound) {
		respondNotFound(c, "Entry")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	vol, err := s.store.GetVolume(entry.VolumeID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	path, found := s.resolver.Resolve(entry, vol)
	if !found {
		respondNotFound(c, "Thumbnail")
		return
	}
	c.File(path)
}
