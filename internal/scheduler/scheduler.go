/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"bank-sync-go/internal/models"
	"bank-sync-go/internal/store"
	syncengine "bank-sync-go/internal/sync"

	"go.uber.org/zap"
)

// Scheduler periodically scans for connections whose last successful sync is
// older than the configured interval and runs them. One run per connection
// per scan; runs for distinct connections proceed in parallel.
type Scheduler struct {
	registry     store.ConnectionRegistry
	orchestrator *syncengine.Orchestrator

	interval     time.Duration
	pollInterval time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewScheduler(registry store.ConnectionRegistry, orchestrator *syncengine.Orchestrator, cfg models.SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Scheduler{
		registry:     registry,
		orchestrator: orchestrator,
		interval:     interval,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// Start launches the polling loop. An immediate scan runs first so restarts
// catch up on connections that fell due while the daemon was down.
func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("Starting sync scheduler",
		zap.Duration("interval", s.interval),
		zap.Duration("poll_interval", s.pollInterval))
	go s.pollLoop(ctx)
}

// Stop gracefully stops the scheduler, waiting for in-flight runs.
func (s *Scheduler) Stop() {
	zap.L().Info("Stopping sync scheduler")
	close(s.stopChan)
	<-s.doneChan
	zap.L().Info("Sync scheduler stopped")
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.runDue(ctx)

	for {
		select {
		case <-ticker.C:
			s.runDue(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runDue syncs every connection whose last sync predates the interval.
func (s *Scheduler) runDue(ctx context.Context) {
	cutoff := time.Now().Add(-s.interval)

	due, err := s.registry.ListDueConnections(ctx, cutoff)
	if err != nil {
		zap.L().Error("Failed to list due connections", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	zap.L().Info("Scheduled sync scan",
		zap.Int("due_connections", len(due)))

	var wg stdsync.WaitGroup
	for _, connection := range due {
		wg.Add(1)

		go func(c models.Connection) {
			defer wg.Done()

			result := s.orchestrator.Run(ctx, models.SyncRequest{
				ProviderId:       c.ProviderId,
				ConnectionId:     c.Id,
				TenantId:         c.TenantId,
				SyncAccounts:     true,
				SyncTransactions: true,
			})
			if !result.Success {
				zap.L().Warn("Scheduled sync failed",
					zap.String("connection_id", c.Id),
					zap.Strings("errors", result.Errors))
			}
		}(connection)
	}
	wg.Wait()
}
