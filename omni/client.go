// Package omni is a client for the cross-chain smart-account orchestration service.
//
// The service derives smart-account addresses for ECDSA owners, turns a set of
// calls on a target chain into a signed cross-chain bundle, and reports bundle
// execution status. All of that runs remotely; this package only moves JSON and
// signs the intent hash with the owner key.
package omni

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/internal/httpjson"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	DefaultURL          = "https://orchestrator.rhinestone.dev"
	defaultPollInterval = 3 * time.Second
)

var (
	ErrMissingAPIKey = errors.New("omni provider api key is required")
	ErrBundleFailed  = errors.New("bundle execution failed")
)

// Config configures the orchestrator client.
type Config struct {
	URL          string
	APIKey       string
	HTTPClient   *http.Client
	PollInterval time.Duration // bundle status polling interval
}

// Client talks to the orchestration service.
type Client struct {
	api          *httpjson.Client
	pollInterval time.Duration
}

// New returns an orchestrator client. The API key is mandatory.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}
	h := make(http.Header)
	h.Set(APIKeyHeader, cfg.APIKey)
	return &Client{
		api:          httpjson.New(url, cfg.HTTPClient, h),
		pollInterval: interval,
	}, nil
}

// Account is a smart account controlled by a single ECDSA owner.
type Account struct {
	client  *Client
	owner   *ecdsa.PrivateKey
	address common.Address
}

// CreateAccount asks the service for the smart account belonging to owner.
// The call is idempotent: the same owner always maps to the same address.
func (c *Client) CreateAccount(ctx context.Context, owner *ecdsa.PrivateKey) (*Account, error) {
	req := &CreateAccountRequest{
		Owners: Owners{Type: "ecdsa", Accounts: []common.Address{keys.Address(owner)}},
	}
	var resp CreateAccountResponse
	if err := c.api.Do(ctx, http.MethodPost, AccountsPath, req, &resp); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if resp.Address == (common.Address{}) {
		return nil, errors.New("create account: empty address in response")
	}
	return &Account{client: c, owner: owner, address: resp.Address}, nil
}

// Address returns the smart-account address.
func (a *Account) Address() common.Address {
	return a.address
}

// Owner returns the owner EOA address.
func (a *Account) Owner() common.Address {
	return keys.Address(a.owner)
}

// TransactionRequest describes a cross-chain transaction.
type TransactionRequest struct {
	SourceChain   chain.Chain
	TargetChain   chain.Chain
	Calls         []Call
	TokenRequests []TokenRequest
}

// Bundle is a handle on a submitted cross-chain bundle.
type Bundle struct {
	ID            string `json:"bundleId"`
	TargetChainID uint64 `json:"targetChainId"`
}

// SendTransaction prepares the bundle, signs its intent with the owner key and submits it.
func (a *Account) SendTransaction(ctx context.Context, req TransactionRequest) (*Bundle, error) {
	if len(req.Calls) == 0 {
		return nil, errors.New("send transaction: no calls")
	}
	prep := &PrepareRequest{
		Account:       a.address,
		SourceChainID: req.SourceChain.ID,
		TargetChainID: req.TargetChain.ID,
		Calls:         req.Calls,
		TokenRequests: req.TokenRequests,
	}
	var prepared PrepareResponse
	if err := a.client.api.Do(ctx, http.MethodPost, PrepareBundlePath, prep, &prepared); err != nil {
		return nil, fmt.Errorf("prepare bundle: %w", err)
	}

	sig, err := keys.SignHash(a.owner, prepared.IntentHash)
	if err != nil {
		return nil, fmt.Errorf("sign intent: %w", err)
	}

	var submitted SubmitResponse
	if err := a.client.api.Do(ctx, http.MethodPost, BundlesPath, &SubmitRequest{Intent: prepared.Intent, Signature: sig}, &submitted); err != nil {
		return nil, fmt.Errorf("submit bundle: %w", err)
	}
	if submitted.BundleID == "" {
		return nil, errors.New("submit bundle: empty bundle id in response")
	}
	return &Bundle{ID: submitted.BundleID, TargetChainID: req.TargetChain.ID}, nil
}

// Status fetches the current status of a bundle.
func (c *Client) Status(ctx context.Context, bundleID string) (*BundleStatus, error) {
	var status BundleStatus
	if err := c.api.Do(ctx, http.MethodGet, BundlesPath+"/"+bundleID, nil, &status); err != nil {
		return nil, fmt.Errorf("bundle status: %w", err)
	}
	return &status, nil
}

// WaitForExecution polls the bundle until it completes, fails, or ctx is done.
func (a *Account) WaitForExecution(ctx context.Context, b *Bundle) (*BundleStatus, error) {
	ticker := time.NewTicker(a.client.pollInterval)
	defer ticker.Stop()
	for {
		status, err := a.client.Status(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case BundleCompleted:
			return status, nil
		case BundleFailed, BundleExpired:
			return status, fmt.Errorf("%w: bundle %s %s %s", ErrBundleFailed, b.ID, status.Status, status.Error)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ERC20Transfer builds the call and token request for sending amount of token to recipient.
func ERC20Transfer(token, recipient common.Address, amount *big.Int) (Call, TokenRequest, error) {
	data, err := chain.EncodeERC20Transfer(recipient, amount)
	if err != nil {
		return Call{}, TokenRequest{}, err
	}
	return Call{To: token, Value: (*hexutil.Big)(new(big.Int)), Data: data},
		TokenRequest{Address: token, Amount: (*hexutil.Big)(amount)},
		nil
}
