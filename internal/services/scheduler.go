package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shelfarr/Shelfarr/internal/db"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// SchedulerService runs the recurring background work: periodic volume
// reachability checks, per-volume scan schedules, and database maintenance.
type SchedulerService struct {
	repo    *db.Repository
	scanner *ScannerService
	tracker *TrackerService
	cron    *cron.Cron

	volumeCheckInterval time.Duration
	maintenanceCron     string
	retentionDays       int

	scanJobs  map[int64]cron.EntryID // keyed by volume id
	mu        sync.Mutex
	stopChan  chan struct{}
	stopOnce  sync.Once
	checkDone sync.WaitGroup
}

// NewSchedulerService creates the scheduler. The cron expression uses the
// standard five-field format.
func NewSchedulerService(repo *db.Repository, scanner *ScannerService, tracker *TrackerService, volumeCheckInterval time.Duration, maintenanceCron string, retentionDays int) *SchedulerService {
	if volumeCheckInterval <= 0 {
		volumeCheckInterval = time.Minute
	}
	return &SchedulerService{
		repo:                repo,
		scanner:             scanner,
		tracker:             tracker,
		cron:                cron.New(),
		volumeCheckInterval: volumeCheckInterval,
		maintenanceCron:     maintenanceCron,
		retentionDays:       retentionDays,
		scanJobs:            make(map[int64]cron.EntryID),
		stopChan:            make(chan struct{}),
	}
}

// Start launches the volume check loop and the maintenance cron job.
func (s *SchedulerService) Start() {
	logger.Infof("Starting Scheduler Service...")

	if s.maintenanceCron != "" {
		if _, err := s.cron.AddFunc(s.maintenanceCron, s.runMaintenance); err != nil {
			logger.Errorf("Invalid maintenance cron %q: %v", s.maintenanceCron, err)
		}
	}
	s.cron.Start()

	s.checkDone.Add(1)
	go s.volumeCheckLoop()
}

// Stop halts the cron scheduler and the volume check loop.
func (s *SchedulerService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.cron.Stop()
	s.checkDone.Wait()
}

func (s *SchedulerService) volumeCheckLoop() {
	defer s.checkDone.Done()
	ticker := time.NewTicker(s.volumeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			changes, err := s.tracker.CheckVolumes()
			if err != nil {
				logger.Errorf("Scheduled volume check failed: %v", err)
				continue
			}
			if len(changes) > 0 {
				logger.Infof("Volume check: %d status transitions", len(changes))
			}
		}
	}
}

func (s *SchedulerService) runMaintenance() {
	logger.Infof("Running scheduled database maintenance...")
	if err := s.repo.RunMaintenance(s.retentionDays); err != nil {
		logger.Errorf("Scheduled maintenance failed: %v", err)
	}
}

// ScheduleScan registers a recurring scan for one volume, replacing any
// existing schedule for it.
func (s *SchedulerService) ScheduleScan(volumeID int64, cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.scanJobs[volumeID]; ok {
		s.cron.Remove(entryID)
		delete(s.scanJobs, volumeID)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		logger.Infof("Executing scheduled scan for volume %d", volumeID)
		if _, err := s.scanner.Scan(volumeID, ScanOptions{}); err != nil {
			logger.Errorf("Scheduled scan failed for volume %d: %v", volumeID, err)
		}
	})
	if err != nil {
		return err
	}
	s.scanJobs[volumeID] = entryID
	return nil
}

// UnscheduleScan removes a volume's recurring scan, if any.
func (s *SchedulerService) UnscheduleScan(volumeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.scanJobs[volumeID]; ok {
		s.cron.Remove(entryID)
		delete(s.scanJobs, volumeID)
	}
}
