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

	"bank-sync-go/internal/common"
	"bank-sync-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	tenantId := flag.String("tenant", "", "Tenant id")
	list := flag.Bool("list", false, "List connections for -tenant")
	detail := flag.String("detail", "", "Show detail for a connection id")
	connectProvider := flag.String("connect", "", "Begin a connect flow for -tenant against this provider id")
	callbackConnection := flag.String("callback-connection", "", "Connection id for a callback completion")
	callbackState := flag.String("callback-state", "", "State returned by the provider")
	callbackCode := flag.String("callback-code", "", "Authorization code returned by the provider")
	disconnect := flag.String("disconnect", "", "Soft-delete a connection id")
	flag.Parse()

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

	switch {
	case *list:
		if *tenantId == "" {
			fail("-list requires -tenant")
		}
		connections, err := services.Api.ListConnections(ctx, *tenantId)
		if err != nil {
			zap.L().Fatal("Failed to list connections", zap.Error(err))
		}
		printJSON(connections)

	case *detail != "":
		d, err := services.Api.GetConnectionDetail(ctx, *detail)
		if err != nil {
			zap.L().Fatal("Failed to load connection detail", zap.Error(err))
		}
		printJSON(d)

	case *connectProvider != "":
		if *tenantId == "" {
			fail("-connect requires -tenant")
		}
		connection, authorizeURL, err := services.Api.BeginConnect(ctx, *tenantId, *connectProvider)
		if err != nil {
			zap.L().Fatal("Failed to begin connect flow", zap.Error(err))
		}
		fmt.Printf("connection_id: %s\n", connection.Id)
		fmt.Printf("authorize_url: %s\n", authorizeURL)

	case *callbackConnection != "":
		if *callbackState == "" || *callbackCode == "" {
			fail("callback completion requires -callback-state and -callback-code")
		}
		result, err := services.Api.CompleteConnect(ctx, *callbackConnection, *callbackState, *callbackCode)
		if err != nil {
			zap.L().Fatal("Failed to complete connect flow", zap.Error(err))
		}
		printJSON(result)

	case *disconnect != "":
		if err := services.Api.DisconnectConnection(ctx, *disconnect); err != nil {
			zap.L().Fatal("Failed to disconnect", zap.Error(err))
		}
		fmt.Println("disconnected")

	default:
		fail("one of -list, -detail, -connect, -callback-connection, or -disconnect is required")
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		zap.L().Fatal("Failed to encode output", zap.Error(err))
	}
	fmt.Println(string(out))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	flag.Usage()
	os.Exit(2)
}
