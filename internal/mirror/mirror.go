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

package mirror

import (
	"context"

	"bank-sync-go/internal/models"
)

// Mirror posts imported transactions into an external double-entry ledger.
// Mirroring is best-effort bookkeeping: a mirror failure surfaces as a sync
// warning, never as a sync error.
type Mirror interface {
	Enabled() bool
	MirrorTransaction(ctx context.Context, account *models.Account, tx *models.Transaction) error
}

// Nop is the mirror used when no ledger stack is configured.
type Nop struct{}

var _ Mirror = (*Nop)(nil)

func (Nop) Enabled() bool { return false }

func (Nop) MirrorTransaction(ctx context.Context, account *models.Account, tx *models.Transaction) error {
	return nil
}
