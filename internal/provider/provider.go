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

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bank-sync-go/internal/models"
)

// tokenExpirySkew treats tokens expiring within this window as already
// expired, so a token can't lapse between the check and the data call.
const tokenExpirySkew = 60 * time.Second

// Capabilities declares what an adapter supports. The orchestrator checks
// these flags before invoking the corresponding operation; there is no
// runtime feature probing.
type Capabilities struct {
	SupportsTransactionSync bool
	SupportsRefresh         bool
}

// Adapter is the uniform contract wrapping one banking provider.
// FetchUserInfo is best-effort: callers substitute a fallback identity on
// failure and never abort a sync because of it.
type Adapter interface {
	Id() string
	Capabilities() Capabilities

	ExchangeCodeForToken(ctx context.Context, code string) (*models.Tokens, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*models.Tokens, error)
	FetchUserInfo(ctx context.Context, credential *models.Credential) (*models.UserInfo, error)
	FetchRawAccounts(ctx context.Context, credential *models.Credential) (*models.RawAccountsResult, error)
	FetchTransactions(ctx context.Context, credential *models.Credential, externalAccountId string, opts models.FetchOptions) ([]models.RawTransaction, error)
	IsTokenExpired(expiresAt *time.Time) bool
}

// Authorizer is implemented by adapters whose providers use the
// authorization-code flow. Direct API-key adapters do not implement it.
type Authorizer interface {
	AuthorizeURL(state string) string
}

// TokenExpired is the shared expiry check: a nil expiry never expires
// (API-key style credentials), anything inside the skew window does.
func TokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return time.Now().Add(tokenExpirySkew).After(*expiresAt)
}

// TransientError marks a provider failure worth retrying by the caller or
// scheduler (network, rate limit). The engine itself never retries.
type TransientError struct {
	ProviderId string
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("provider %s transient error: %v", e.ProviderId, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a terminal provider failure (revoked consent, invalid
// scope). The connection is put into the error state.
type PermanentError struct {
	ProviderId string
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("provider %s permanent error: %v", e.ProviderId, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(providerId string, err error) error {
	return &TransientError{ProviderId: providerId, Err: err}
}

// Permanent wraps err as a PermanentError.
func Permanent(providerId string, err error) error {
	return &PermanentError{ProviderId: providerId, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps provider ids to adapters.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Id()] = a
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Id()] = a
}

func (r *Registry) Get(providerId string) (Adapter, error) {
	a, ok := r.adapters[providerId]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", providerId)
	}
	return a, nil
}

func (r *Registry) Ids() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
