package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"bank-sync-go/internal/models"

	"github.com/coinbase-samples/prime-sdk-go/client"
	"github.com/coinbase-samples/prime-sdk-go/credentials"
	"github.com/coinbase-samples/prime-sdk-go/model"
	"github.com/coinbase-samples/prime-sdk-go/portfolios"
	"github.com/coinbase-samples/prime-sdk-go/transactions"
	"github.com/coinbase-samples/prime-sdk-go/wallets"
	"go.uber.org/zap"
)

// PrimeProviderId is the registry id for the Coinbase Prime adapter.
const PrimeProviderId = "coinbase-prime"

// Prime adapts Coinbase Prime as a direct (API-key) provider: trading
// wallets map to raw accounts, wallet transactions to raw transactions.
// There is no OAuth surface, so the token operations are unsupported and
// the stored credential never expires.
type Prime struct {
	client          client.RestClient
	portfoliosSvc   portfolios.PortfoliosService
	walletsSvc      wallets.WalletsService
	transactionsSvc transactions.TransactionsService

	portfolioOnce sync.Once
	portfolioId   string
	portfolioName string
	portfolioErr  error
}

var _ Adapter = (*Prime)(nil)

func NewPrime(creds *credentials.Credentials) (*Prime, error) {
	httpClient, err := newProviderHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create http client: %w", err)
	}

	restClient := client.NewRestClient(creds, *httpClient)

	return &Prime{
		client:          restClient,
		portfoliosSvc:   portfolios.NewPortfoliosService(restClient),
		walletsSvc:      wallets.NewWalletsService(restClient),
		transactionsSvc: transactions.NewTransactionsService(restClient),
	}, nil
}

func (p *Prime) Id() string { return PrimeProviderId }

func (p *Prime) Capabilities() Capabilities {
	return Capabilities{
		SupportsTransactionSync: true,
		SupportsRefresh:         false,
	}
}

// IsTokenExpired always reports false: Prime credentials are API keys
// without an expiry timestamp.
func (p *Prime) IsTokenExpired(expiresAt *time.Time) bool {
	return false
}

func (p *Prime) ExchangeCodeForToken(ctx context.Context, code string) (*models.Tokens, error) {
	return nil, Permanent(PrimeProviderId, fmt.Errorf("prime uses API keys, not authorization codes"))
}

func (p *Prime) RefreshAccessToken(ctx context.Context, refreshToken string) (*models.Tokens, error) {
	return nil, Permanent(PrimeProviderId, fmt.Errorf("prime credentials cannot be refreshed"))
}

func (p *Prime) defaultPortfolio(ctx context.Context) (string, string, error) {
	p.portfolioOnce.Do(func() {
		response, err := p.portfoliosSvc.ListPortfolios(ctx, &portfolios.ListPortfoliosRequest{})
		if err != nil {
			p.portfolioErr = Transient(PrimeProviderId, fmt.Errorf("unable to list portfolios: %w", err))
			return
		}
		for _, pf := range response.Portfolios {
			if pf.Name == "Default Portfolio" {
				p.portfolioId = pf.Id
				p.portfolioName = pf.Name
				return
			}
		}
		if len(response.Portfolios) > 0 {
			p.portfolioId = response.Portfolios[0].Id
			p.portfolioName = response.Portfolios[0].Name
			return
		}
		p.portfolioErr = Permanent(PrimeProviderId, fmt.Errorf("no portfolio available"))
	})
	return p.portfolioId, p.portfolioName, p.portfolioErr
}

func (p *Prime) FetchUserInfo(ctx context.Context, credential *models.Credential) (*models.UserInfo, error) {
	id, name, err := p.defaultPortfolio(ctx)
	if err != nil {
		return nil, err
	}
	return &models.UserInfo{
		UserId:   id,
		Name:     name,
		Metadata: map[string]string{"portfolio_id": id},
	}, nil
}

func (p *Prime) FetchRawAccounts(ctx context.Context, credential *models.Credential) (*models.RawAccountsResult, error) {
	portfolioId, portfolioName, err := p.defaultPortfolio(ctx)
	if err != nil {
		return nil, err
	}

	response, err := p.walletsSvc.ListWallets(ctx, &wallets.ListWalletsRequest{
		PortfolioId: portfolioId,
		Type:        "TRADING",
	})
	if err != nil {
		return nil, Transient(PrimeProviderId, fmt.Errorf("unable to list wallets: %w", err))
	}

	result := &models.RawAccountsResult{
		Institution: models.Institution{Id: portfolioId, Name: portfolioName},
	}
	for _, w := range response.Wallets {
		raw, err := json.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("failed to encode wallet payload: %w", err)
		}
		result.Accounts = append(result.Accounts, models.RawAccount{
			ExternalId:  w.Id,
			Name:        w.Name,
			AccountType: strings.ToLower(w.Type),
			Currency:    w.Symbol,
			Balance:     "0", // balances come from the transaction stream, not the wallet listing
			RawPayload:  raw,
		})
	}

	zap.L().Debug("Fetched Prime wallets",
		zap.String("portfolio_id", portfolioId),
		zap.Int("count", len(result.Accounts)))
	return result, nil
}

func (p *Prime) FetchTransactions(ctx context.Context, credential *models.Credential, externalAccountId string, opts models.FetchOptions) ([]models.RawTransaction, error) {
	portfolioId, _, err := p.defaultPortfolio(ctx)
	if err != nil {
		return nil, err
	}

	request := &transactions.ListWalletTransactionsRequest{
		PortfolioId: portfolioId,
		WalletId:    externalAccountId,
		Start:       opts.StartDate,
		Types:       []string{"DEPOSIT", "WITHDRAWAL"},
		Pagination: &model.PaginationParams{
			Limit: 500,
		},
	}

	response, err := p.transactionsSvc.ListWalletTransactions(ctx, request)
	if err != nil {
		return nil, Transient(PrimeProviderId, fmt.Errorf("unable to list wallet transactions: %w", err))
	}

	var result []models.RawTransaction
	for _, tx := range response.Transactions {
		if !opts.EndDate.IsZero() && tx.Created.After(opts.EndDate) {
			continue
		}

		direction := "credit"
		if tx.Type == "WITHDRAWAL" {
			direction = "debit"
		}

		raw, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction payload: %w", err)
		}
		result = append(result, models.RawTransaction{
			ExternalId:  tx.Id,
			Amount:      tx.Amount,
			Currency:    tx.Symbol,
			Direction:   direction,
			Description: fmt.Sprintf("%s %s", tx.Type, tx.Symbol),
			Category:    strings.ToLower(tx.Type),
			BookedAt:    tx.Created,
			RawPayload:  raw,
		})

		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}

	zap.L().Debug("Fetched Prime wallet transactions",
		zap.String("wallet_id", externalAccountId),
		zap.Int("count", len(result)))
	return result, nil
}
