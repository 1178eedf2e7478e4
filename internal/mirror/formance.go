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
	"errors"
	"fmt"
	"time"

	"bank-sync-go/internal/models"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

// currencyPrecision maps ISO currency codes to their minor-unit precision.
var currencyPrecision = map[string]int{
	"EUR": 2,
	"USD": 2,
	"GBP": 2,
	"CHF": 2,
	"JPY": 0,
}

// Credits move value from the institution into the tenant's account,
// debits the other way. The institution side runs on unbounded overdraft
// because we only ever see one side of the real-world movement.
const numscriptCredit = `vars {
  asset $asset
  number $amount
  account $tenant_id
  account $provider_id
  account $account_id
  string $external_key
  string $transaction_type
  string $booked_at
}

send [$asset $amount] (
  source = @institutions:$provider_id allowing unbounded overdraft
  destination = @tenants:$tenant_id:accounts:$account_id
)

set_tx_meta("external_key", $external_key)
set_tx_meta("transaction_type", $transaction_type)
set_tx_meta("booked_at", $booked_at)
`

const numscriptDebit = `vars {
  asset $asset
  number $amount
  account $tenant_id
  account $provider_id
  account $account_id
  string $external_key
  string $transaction_type
  string $booked_at
}

send [$asset $amount] (
  source = @tenants:$tenant_id:accounts:$account_id allowing unbounded overdraft
  destination = @institutions:$provider_id
)

set_tx_meta("external_key", $external_key)
set_tx_meta("transaction_type", $transaction_type)
set_tx_meta("booked_at", $booked_at)
`

// Formance mirrors imported transactions into a Formance Stack ledger.
// The transaction external key doubles as the ledger reference, so replaying
// an import produces a CONFLICT which we treat as an idempotent no-op.
type Formance struct {
	client *v3.Formance
	ledger string
}

var _ Mirror = (*Formance)(nil)

func NewFormance(ctx context.Context, cfg models.MirrorConfig) (*Formance, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("mirror config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = "bank-sync"
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	m := &Formance{client: client, ledger: cfg.LedgerName}

	if err := m.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}
	return m, nil
}

func (m *Formance) Enabled() bool { return true }

func (m *Formance) ensureLedger(ctx context.Context) error {
	_, err := m.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: m.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "bank-sync",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", m.ledger))
	return nil
}

// MirrorTransaction posts one imported transaction as a double-entry
// movement. Safe to call on every upsert: duplicates land on the same
// reference and are dropped by the ledger.
func (m *Formance) MirrorTransaction(ctx context.Context, account *models.Account, tx *models.Transaction) error {
	script := numscriptCredit
	if tx.Type == "debit" {
		script = numscriptDebit
	}

	fAsset := formanceAsset(tx.Currency)
	smallAmt := tx.Amount.Abs().Shift(int32(precisionFor(tx.Currency))).BigInt().String()

	postTx := shared.V2PostTransaction{
		Reference: v3.Pointer(tx.ExternalKey),
		Script: &shared.V2PostTransactionScript{
			Plain: script,
			Vars: map[string]string{
				"asset":            fAsset,
				"amount":           smallAmt,
				"tenant_id":        tx.TenantId,
				"provider_id":      account.ProviderId,
				"account_id":       account.Id,
				"external_key":     tx.ExternalKey,
				"transaction_type": tx.Type,
				"booked_at":        tx.BookedAt.UTC().Format(time.RFC3339),
			},
		},
	}
	if !tx.BookedAt.IsZero() {
		bookedAt := tx.BookedAt.UTC()
		postTx.Timestamp = &bookedAt
	}

	_, err := m.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger:            m.ledger,
		V2PostTransaction: postTx,
	})
	if err != nil {
		if isConflictError(err) {
			return nil // idempotent
		}
		return fmt.Errorf("error mirroring transaction %s: %w", tx.ExternalKey, err)
	}

	zap.L().Debug("Transaction mirrored",
		zap.String("external_key", tx.ExternalKey),
		zap.String("asset", tx.Currency),
		zap.String("amount", tx.Amount.String()))
	return nil
}

// formanceAsset returns the Formance UMN notation, e.g. "EUR/2".
func formanceAsset(currency string) string {
	return fmt.Sprintf("%s/%d", currency, precisionFor(currency))
}

func precisionFor(currency string) int {
	if p, ok := currencyPrecision[currency]; ok {
		return p
	}
	return 2
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}
