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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bank-sync-go/internal/common"
	"bank-sync-go/internal/config"
	"bank-sync-go/internal/models"

	"go.uber.org/zap"
)

func main() {
	connectionId := flag.String("connection", "", "Connection id to sync (required)")
	accountsOnly := flag.Bool("accounts-only", false, "Sync accounts but not transactions")
	accountIds := flag.String("accounts", "", "Comma-separated account ids to restrict the transaction sync")
	startDate := flag.String("start", "", "Transaction window start (YYYY-MM-DD)")
	endDate := flag.String("end", "", "Transaction window end (YYYY-MM-DD)")
	flag.Parse()

	if *connectionId == "" {
		fmt.Fprintln(os.Stderr, "Usage: sync -connection <id> [-accounts-only] [-accounts id,id] [-start YYYY-MM-DD] [-end YYYY-MM-DD]")
		os.Exit(2)
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	connection, err := services.DbService.GetConnection(ctx, *connectionId)
	if err != nil {
		zap.L().Fatal("Failed to load connection", zap.Error(err))
	}

	req := models.SyncRequest{
		ProviderId:       connection.ProviderId,
		ConnectionId:     connection.Id,
		TenantId:         connection.TenantId,
		SyncAccounts:     true,
		SyncTransactions: !*accountsOnly,
	}
	if *accountIds != "" {
		req.AccountIds = strings.Split(*accountIds, ",")
	}
	if *startDate != "" {
		t, err := time.Parse("2006-01-02", *startDate)
		if err != nil {
			zap.L().Fatal("Invalid -start date", zap.Error(err))
		}
		req.StartDate = &t
	}
	if *endDate != "" {
		t, err := time.Parse("2006-01-02", *endDate)
		if err != nil {
			zap.L().Fatal("Invalid -end date", zap.Error(err))
		}
		req.EndDate = &t
	}

	result := services.Api.SyncNow(ctx, req)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		zap.L().Fatal("Failed to encode result", zap.Error(err))
	}
	fmt.Println(string(out))

	if !result.Success {
		os.Exit(1)
	}
}
