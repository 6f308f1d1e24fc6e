package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/optimly/integrations_backend/config"
	"github.com/optimly/integrations_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobDispatcher claims due sync jobs from the DB queue and runs them on a
// bounded worker pool. It also resumes throttled jobs whose window passed.
type JobDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Orchestrator *Orchestrator
	WorkerID     string
	WorkerCount  int
	BatchSize    int
	Interval     time.Duration
	LockTTL      time.Duration
}

func NewJobDispatcher() *JobDispatcher {
	return &JobDispatcher{
		DB:           config.GetDB(),
		Logger:       config.GetLogger(),
		Orchestrator: NewOrchestrator(),
		WorkerID:     "sync-" + time.Now().Format("20060102-150405.000"),
		WorkerCount:  config.IntFromEnv("SYNC_WORKER_COUNT", 4),
		BatchSize:    20,
		Interval:     2 * time.Second,
		LockTTL:      10 * time.Minute,
	}
}

func (d *JobDispatcher) Run(ctx context.Context) {
	if d == nil || d.DB == nil {
		return
	}

	jobs := make(chan uint)
	var wg sync.WaitGroup
	for i := 0; i < d.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jobId := range jobs {
				if err := d.Orchestrator.Run(ctx, jobId); err != nil {
					config.LogError(d.Logger, "syncengine", "JobDispatcher.Run", "run job", map[string]interface{}{
						"job_id": jobId,
					}, err)
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		default:
		}

		claimed := d.claimDue(ctx)
		for _, id := range claimed {
			select {
			case jobs <- id:
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return
			}
		}

		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-time.After(d.Interval):
		}
	}
}

// claimDue picks queued and resume-due throttled jobs with SKIP LOCKED, one
// per instance, skipping instances with a job already running.
func (d *JobDispatcher) claimDue(ctx context.Context) []uint {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTTL)

	var claimed []uint
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var busy []uint
		if err := tx.Model(&models.SyncJob{}).
			Where("status = ? AND locked_at > ?", models.SyncJobStatusRunning, staleBefore).
			Distinct().
			Pluck("integration_instance_id", &busy).Error; err != nil {
			return err
		}

		q := tx.Model(&models.SyncJob{}).
			Where("status IN ?", []string{models.SyncJobStatusQueued, models.SyncJobStatusThrottled}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if len(busy) > 0 {
			q = q.Where("integration_instance_id NOT IN ?", busy)
		}

		var due []models.SyncJob
		if err := q.Find(&due).Error; err != nil {
			return err
		}

		seen := map[uint]bool{}
		for i := range due {
			if seen[due[i].IntegrationInstanceId] {
				continue
			}
			seen[due[i].IntegrationInstanceId] = true
			if err := tx.Model(&models.SyncJob{}).
				Where("id = ?", due[i].ID).
				Updates(map[string]interface{}{
					"locked_at": now,
					"locked_by": d.WorkerID,
				}).Error; err != nil {
				return err
			}
			claimed = append(claimed, due[i].ID)
		}
		return nil
	})
	if err != nil {
		config.LogError(d.Logger, "syncengine", "claimDue", "claim batch", nil, err)
		return nil
	}
	return claimed
}
