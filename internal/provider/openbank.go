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
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bank-sync-go/internal/models"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// OpenBankConfig holds the OAuth endpoints and client credentials for one
// openbank-style provider instance.
type OpenBankConfig struct {
	ProviderId          string
	ClientId            string
	ClientSecret        string
	AuthURL             string
	TokenURL            string
	APIBaseURL          string
	RedirectURI         string
	SupportsTransaction bool
}

// OpenBank is a generic OAuth2 bank aggregator adapter: authorization-code
// exchange and refresh over form POSTs, JSON REST for account/transaction data.
type OpenBank struct {
	cfg        OpenBankConfig
	httpClient *http.Client
}

var _ Adapter = (*OpenBank)(nil)

func NewOpenBank(cfg OpenBankConfig) (*OpenBank, error) {
	if cfg.ProviderId == "" {
		return nil, fmt.Errorf("provider id cannot be empty")
	}
	if cfg.ClientId == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("openbank provider %s requires client id and secret", cfg.ProviderId)
	}

	httpClient, err := newProviderHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	return &OpenBank{cfg: cfg, httpClient: httpClient}, nil
}

func newProviderHttpClient() (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: 30 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   15 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   5,
		ExpectContinueTimeout: 5 * time.Second,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: tr,
		Timeout:   60 * time.Second,
	}, nil
}

func (o *OpenBank) Id() string { return o.cfg.ProviderId }

func (o *OpenBank) Capabilities() Capabilities {
	return Capabilities{
		SupportsTransactionSync: o.cfg.SupportsTransaction,
		SupportsRefresh:         true,
	}
}

func (o *OpenBank) IsTokenExpired(expiresAt *time.Time) bool {
	return TokenExpired(expiresAt)
}

// AuthorizeURL builds the provider consent URL for a connect-intent.
func (o *OpenBank) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", o.cfg.ClientId)
	q.Set("redirect_uri", o.cfg.RedirectURI)
	q.Set("scope", "accounts transactions")
	q.Set("state", state)
	return o.cfg.AuthURL + "?" + q.Encode()
}

func (o *OpenBank) ExchangeCodeForToken(ctx context.Context, code string) (*models.Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", o.cfg.RedirectURI)
	return o.tokenRequest(ctx, form)
}

func (o *OpenBank) RefreshAccessToken(ctx context.Context, refreshToken string) (*models.Tokens, error) {
	if refreshToken == "" {
		return nil, Permanent(o.cfg.ProviderId, fmt.Errorf("missing refresh token"))
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return o.tokenRequest(ctx, form)
}

type openBankTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	UserId       string `json:"user_id"`
}

func (o *OpenBank) tokenRequest(ctx context.Context, form url.Values) (*models.Tokens, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(o.cfg.ClientId, o.cfg.ClientSecret)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, Transient(o.cfg.ProviderId, fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := o.checkStatus(resp.StatusCode, "token endpoint", body); err != nil {
		return nil, err
	}

	var tr openBankTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, Permanent(o.cfg.ProviderId, fmt.Errorf("token response contained no access token"))
	}

	tokens := &models.Tokens{
		AccessToken:    tr.AccessToken,
		RefreshToken:   tr.RefreshToken,
		Scope:          tr.Scope,
		ProviderUserId: tr.UserId,
	}
	if tr.ExpiresIn > 0 {
		expires := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		tokens.ExpiresAt = &expires
	}

	zap.L().Info("Token obtained from provider",
		zap.String("provider_id", o.cfg.ProviderId),
		zap.Bool("has_refresh_token", tokens.RefreshToken != ""))
	return tokens, nil
}

func (o *OpenBank) FetchUserInfo(ctx context.Context, credential *models.Credential) (*models.UserInfo, error) {
	var payload struct {
		Id       string            `json:"id"`
		Name     string            `json:"name"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := o.getJSON(ctx, credential, "/user", nil, &payload); err != nil {
		return nil, err
	}
	return &models.UserInfo{UserId: payload.Id, Name: payload.Name, Metadata: payload.Metadata}, nil
}

type openBankAccount struct {
	Id            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Currency      string `json:"currency"`
	Balance       string `json:"balance"`
	AccountNumber string `json:"account_number"`
	Iban          string `json:"iban"`
}

func (o *OpenBank) FetchRawAccounts(ctx context.Context, credential *models.Credential) (*models.RawAccountsResult, error) {
	var payload struct {
		Institution struct {
			Id   string `json:"id"`
			Name string `json:"name"`
		} `json:"institution"`
		Accounts []json.RawMessage `json:"accounts"`
	}
	if err := o.getJSON(ctx, credential, "/accounts", nil, &payload); err != nil {
		return nil, err
	}

	result := &models.RawAccountsResult{
		Institution: models.Institution{Id: payload.Institution.Id, Name: payload.Institution.Name},
	}
	for _, raw := range payload.Accounts {
		var a openBankAccount
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("failed to parse account payload: %w", err)
		}
		result.Accounts = append(result.Accounts, models.RawAccount{
			ExternalId:    a.Id,
			Name:          a.Name,
			AccountType:   a.Type,
			Currency:      a.Currency,
			Balance:       a.Balance,
			AccountNumber: a.AccountNumber,
			Iban:          a.Iban,
			RawPayload:    raw,
		})
	}

	zap.L().Debug("Fetched raw accounts",
		zap.String("provider_id", o.cfg.ProviderId),
		zap.String("institution", result.Institution.Name),
		zap.Int("count", len(result.Accounts)))
	return result, nil
}

type openBankTransaction struct {
	Id          string    `json:"id"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Direction   string    `json:"direction"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	BookedAt    time.Time `json:"booked_at"`
}

func (o *OpenBank) FetchTransactions(ctx context.Context, credential *models.Credential, externalAccountId string, opts models.FetchOptions) ([]models.RawTransaction, error) {
	q := url.Values{}
	if !opts.StartDate.IsZero() {
		q.Set("from", opts.StartDate.UTC().Format("2006-01-02"))
	}
	if !opts.EndDate.IsZero() {
		q.Set("to", opts.EndDate.UTC().Format("2006-01-02"))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var payload struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	path := fmt.Sprintf("/accounts/%s/transactions", url.PathEscape(externalAccountId))
	if err := o.getJSON(ctx, credential, path, q, &payload); err != nil {
		return nil, err
	}

	transactions := make([]models.RawTransaction, 0, len(payload.Transactions))
	for _, raw := range payload.Transactions {
		var t openBankTransaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("failed to parse transaction payload: %w", err)
		}
		transactions = append(transactions, models.RawTransaction{
			ExternalId:  t.Id,
			Amount:      t.Amount,
			Currency:    t.Currency,
			Direction:   t.Direction,
			Description: t.Description,
			Category:    t.Category,
			BookedAt:    t.BookedAt,
			RawPayload:  raw,
		})
	}
	return transactions, nil
}

func (o *OpenBank) getJSON(ctx context.Context, credential *models.Credential, path string, query url.Values, out interface{}) error {
	endpoint := strings.TrimRight(o.cfg.APIBaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Transient(o.cfg.ProviderId, fmt.Errorf("request to %s failed: %w", path, err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := o.checkStatus(resp.StatusCode, path, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}
	return nil
}

// checkStatus maps HTTP statuses onto the error taxonomy. Raw provider
// bodies stay in logs; they are never surfaced to clients.
func (o *OpenBank) checkStatus(status int, operation string, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		zap.L().Warn("Provider rejected credentials",
			zap.String("provider_id", o.cfg.ProviderId),
			zap.String("operation", operation),
			zap.Int("status", status),
			zap.ByteString("body", body))
		return Permanent(o.cfg.ProviderId, fmt.Errorf("%s returned status %d", operation, status))
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(o.cfg.ProviderId, fmt.Errorf("%s returned status %d", operation, status))
	default:
		return fmt.Errorf("provider %s: %s returned unexpected status %d", o.cfg.ProviderId, operation, status)
	}
}
