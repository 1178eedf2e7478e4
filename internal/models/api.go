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

package models

import "time"

// SyncRequest is the call contract shared by every trigger surface
// (OAuth callback, manual "sync now", scheduler).
type SyncRequest struct {
	ProviderId       string
	ConnectionId     string
	TenantId         string
	UserId           string
	SyncAccounts     bool
	SyncTransactions bool
	AccountIds       []string // optional: restrict transaction sync to these accounts
	StartDate        *time.Time
	EndDate          *time.Time
}

// SyncResult is the structured outcome every caller receives.
// Run never propagates a raw error; failures land in Errors with Success=false.
type SyncResult struct {
	Success            bool          `json:"success"`
	JobId              string        `json:"job_id"`
	AccountsSynced     int           `json:"accounts_synced"`
	TransactionsSynced int           `json:"transactions_synced"`
	Errors             []string      `json:"errors,omitempty"`
	Warnings           []string      `json:"warnings,omitempty"`
	Duration           time.Duration `json:"duration"`
}
