package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shelfarr/Shelfarr/internal/catalog"
	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/integration"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

const (
	// maxRenderRetries bounds automatic re-renders per entry. Past this the
	// entry waits for the next manual or scheduled batch.
	maxRenderRetries = 3
	renderRetryBase  = time.Minute
	renderRetryCap   = 15 * time.Minute
)

// RenderRetryService re-queues failed preview renders with exponential
// backoff. Transient failures (renderer restart, timeout, open circuit) get
// another chance shortly after; failures that name the asset itself as the
// problem are left alone.
type RenderRetryService struct {
	store *catalog.Store
	pool  *RenderPool
	bus   eventbus.Publisher
	clk   clock.Clock

	mu       sync.Mutex
	attempts map[int64]int         // entry id -> consecutive failures
	timers   map[int64]clock.Timer // entry id -> pending retry
	stopped  bool
	wg       sync.WaitGroup
}

// NewRenderRetryService creates a retry service. An optional Clock can be
// provided for testing; if none is provided, RealClock is used.
func NewRenderRetryService(store *catalog.Store, pool *RenderPool, bus eventbus.Publisher, clocks ...clock.Clock) *RenderRetryService {
	var c clock.Clock = clock.NewRealClock()
	if len(clocks) > 0 && clocks[0] != nil {
		c = clocks[0]
	}
	return &RenderRetryService{
		store:    store,
		pool:     pool,
		bus:      bus,
		clk:      c,
		attempts: make(map[int64]int),
		timers:   make(map[int64]clock.Timer),
	}
}

// Start subscribes to render outcomes.
func (s *RenderRetryService) Start() {
	s.bus.Subscribe(domain.RenderFailed, s.handleFailure)
	s.bus.Subscribe(domain.ThumbnailRendered, s.handleSuccess)
}

// Stop cancels pending retries and waits for in-flight ones to finish.
func (s *RenderRetryService) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// permanentRenderError reports whether the failure names the asset itself.
// Render errors are formatted "type: message".
func permanentRenderError(errStr string) bool {
	return strings.HasPrefix(errStr, integration.ErrorTypeSourceMissing+":") ||
		strings.HasPrefix(errStr, integration.ErrorTypeInvalidPath+":")
}

func (s *RenderRetryService) handleFailure(event domain.Event) {
	entryID, ok := event.GetInt64("entry_id")
	if !ok {
		return
	}
	errStr := event.GetStringOr("error", "")
	if permanentRenderError(errStr) {
		logger.Debugf("Render retry: entry %d failed permanently (%s), not retrying", entryID, errStr)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, pending := s.timers[entryID]; pending {
		return
	}

	s.attempts[entryID]++
	attempt := s.attempts[entryID]
	if attempt > maxRenderRetries {
		delete(s.attempts, entryID)
		logger.Warnf("Render retry: giving up on entry %d after %d attempts", entryID, maxRenderRetries)
		return
	}

	backoff := renderRetryBase << (attempt - 1)
	if backoff > renderRetryCap {
		backoff = renderRetryCap
	}

	s.wg.Add(1)
	s.timers[entryID] = s.clk.AfterFunc(backoff, func() {
		defer s.wg.Done()
		s.retry(entryID)
	})
	logger.Infof("Render retry: entry %d attempt %d/%d scheduled in %s", entryID, attempt, maxRenderRetries, backoff)
}

func (s *RenderRetryService) handleSuccess(event domain.Event) {
	entryID, ok := event.GetInt64("entry_id")
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, entryID)
	if timer, pending := s.timers[entryID]; pending {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, entryID)
	}
}

func (s *RenderRetryService) retry(entryID int64) {
	s.mu.Lock()
	delete(s.timers, entryID)
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	entry, err := s.store.GetByID(entryID)
	if err != nil || entry.Status != domain.EntryIndexed {
		s.clearAttempts(entryID)
		return
	}
	vol, err := s.store.GetVolume(entry.VolumeID)
	if err != nil || vol.Status != domain.VolumeOnline {
		// The volume went away; the post-recovery sweep or the next batch
		// will pick this entry up.
		s.clearAttempts(entryID)
		return
	}

	jobs := []RenderJob{{Entry: entry, Volume: vol}}
	for range s.pool.RenderBatch(context.Background(), jobs, true) {
	}
}

func (s *RenderRetryService) clearAttempts(entryID int64) {
	s.mu.Lock()
	delete(s.attempts, entryID)
	s.mu.Unlock()
}
