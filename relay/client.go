// Package relay is a client for the gasless relay's smart-wallet API.
//
// Smart wallets are EIP-7702 delegated EOAs, so the wallet address is the
// owner address. Calls are prepared remotely, the returned digest is signed
// locally with the owner key, and the signed bundle is submitted as a task
// whose progress is reported over a websocket or the task status endpoint.
package relay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ATMackay/aa-compare/internal/httpjson"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	DefaultURL          = "https://api.gelato.digital"
	DefaultWSURL        = "wss://api.gelato.digital"
	defaultPollInterval = time.Second
)

var (
	ErrMissingAPIKey = errors.New("relay sponsor api key is required for sponsored payment")
	ErrTaskFailed    = errors.New("relay task failed")
)

// Config configures the relay client.
type Config struct {
	URL          string
	WSURL        string // empty disables the websocket and status is polled
	APIKey       string
	ChainID      uint64
	HTTPClient   *http.Client
	PollInterval time.Duration
}

// Client is a smart-wallet client bound to one owner key.
type Client struct {
	api          *httpjson.Client
	wsURL        string
	owner        *ecdsa.PrivateKey
	chainID      uint64
	pollInterval time.Duration
	dialer       *websocket.Dialer
}

// New returns a relay client for owner.
func New(cfg Config, owner *ecdsa.PrivateKey) (*Client, error) {
	if owner == nil {
		return nil, errors.New("relay owner key is required")
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
	if cfg.APIKey != "" {
		h.Set(APIKeyHeader, cfg.APIKey)
	}
	return &Client{
		api:          httpjson.New(url, cfg.HTTPClient, h),
		wsURL:        cfg.WSURL,
		owner:        owner,
		chainID:      cfg.ChainID,
		pollInterval: interval,
		dialer:       websocket.DefaultDialer,
	}, nil
}

// Account returns the smart-wallet address, which equals the owner EOA.
func (c *Client) Account() common.Address {
	return keys.Address(c.owner)
}

// PreparedCalls is the result of Prepare, ready to be signed and sent.
type PreparedCalls struct {
	Payment Payment
	PrepareResponse
}

// Prepare asks the relay to build the smart-wallet calls for payment.
func (c *Client) Prepare(ctx context.Context, payment Payment, calls []Call) (*PreparedCalls, error) {
	if payment.Type == PaymentSponsored && payment.SponsorAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if len(calls) == 0 {
		return nil, errors.New("prepare: no calls")
	}
	req := &PrepareRequest{
		ChainID: c.chainID,
		Account: c.Account(),
		Payment: payment,
		Calls:   calls,
	}
	var resp PrepareResponse
	if err := c.api.Do(ctx, http.MethodPost, PreparePath, req, &resp); err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return &PreparedCalls{Payment: payment, PrepareResponse: resp}, nil
}

// Send signs prepared calls with the owner key and submits them as a task.
func (c *Client) Send(ctx context.Context, prepared *PreparedCalls) (*Task, error) {
	sig, err := keys.SignHash(c.owner, prepared.Hash)
	if err != nil {
		return nil, fmt.Errorf("sign prepared calls: %w", err)
	}
	var resp SendResponse
	req := &SendRequest{Context: prepared.Context, Signature: sig, Payment: prepared.Payment}
	if err := c.api.Do(ctx, http.MethodPost, SendPath, req, &resp); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if resp.TaskID == "" {
		return nil, errors.New("send: empty task id in response")
	}
	return &Task{ID: resp.TaskID, client: c}, nil
}

// Execute prepares and sends in one step.
func (c *Client) Execute(ctx context.Context, payment Payment, calls []Call) (*Task, error) {
	prepared, err := c.Prepare(ctx, payment, calls)
	if err != nil {
		return nil, err
	}
	return c.Send(ctx, prepared)
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	var resp TaskStatusResponse
	if err := c.api.Do(ctx, http.MethodGet, TaskStatusPath+taskID, nil, &resp); err != nil {
		return nil, fmt.Errorf("task status: %w", err)
	}
	return &resp.Task, nil
}
