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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bank-sync-go/internal/common"
	"bank-sync-go/internal/config"
	"bank-sync-go/internal/scheduler"

	"go.uber.org/zap"
)

func main() {
	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	interval := flag.Duration("interval", 0, "Override sync interval (default from SCHEDULER_INTERVAL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}
	if *interval > 0 {
		cfg.Scheduler.Interval = *interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting bank sync daemon")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if len(services.Providers.Ids()) == 0 {
		zap.L().Fatal("No provider adapters configured")
	}
	zap.L().Info("Provider adapters registered",
		zap.Strings("providers", services.Providers.Ids()))

	sched := scheduler.NewScheduler(services.DbService, services.Orchestrator, cfg.Scheduler)
	sched.Start(ctx)

	zap.L().Info("Sync daemon running")
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping scheduler...")
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		zap.L().Warn("Scheduler did not stop within timeout")
	}

	zap.L().Info("Sync daemon stopped")
}
