package service

import (
	"context"
	"time"

	"chatrelay/internal/constants"
	"chatrelay/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// UploadCleaner removes uploaded files older than maxAge.
type UploadCleaner interface {
	CleanupOldFiles(maxAge time.Duration) (int, error)
}

// Scheduler runs the upload retention cleanup on a cron schedule.
type Scheduler struct {
	cleaner       UploadCleaner
	retentionDays int
	schedule      string
	logger        logrus.FieldLogger
	cron          *cron.Cron
}

func NewScheduler(cleaner UploadCleaner, retentionDays int, schedule string, logger logrus.FieldLogger) *Scheduler {
	if schedule == "" {
		schedule = constants.DefaultUploadCleanupSchedule
	}
	return &Scheduler{
		cleaner:       cleaner,
		retentionDays: retentionDays,
		schedule:      schedule,
		logger:        logger,
		cron:          cron.New(),
	}
}

// Start registers the job, runs one cleanup immediately and returns. A
// retention of zero disables cleanup.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.retentionDays <= 0 {
		s.logger.Info("Upload retention disabled, cleanup scheduler not started")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.runCleanup(ctx) }); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"schedule":       s.schedule,
		"retention_days": s.retentionDays,
	}).Info("Starting cleanup scheduler")

	s.runCleanup(ctx)
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	maxAge := time.Duration(s.retentionDays) * 24 * time.Hour
	s.logger.WithField("retention_days", s.retentionDays).Info("Running scheduled cleanup")

	removed, err := s.cleaner.CleanupOldFiles(maxAge)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old uploads")
		metrics.IncrementCounter("upload_cleanup_errors_total", nil, "Failed upload cleanup runs")
		return
	}
	metrics.AddToCounter("uploads_removed_total", float64(removed), nil, "Uploads removed by retention cleanup")
	s.logger.WithField(LogFieldCount, removed).Info("Successfully completed cleanup")
}
