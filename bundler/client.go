// Package bundler talks ERC-4337 JSON-RPC to a bundler and sponsors EIP-7702
// delegations so that a plain EOA can submit user operations.
package bundler

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is a bundler JSON-RPC client bound to one EntryPoint.
type Client struct {
	rpc        *rpc.Client
	entryPoint common.Address
}

// Dial connects to the bundler at url.
func Dial(ctx context.Context, url string, entryPoint common.Address) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial bundler: %w", err)
	}
	return NewClient(c, entryPoint), nil
}

// NewClient wraps an existing rpc client.
func NewClient(c *rpc.Client, entryPoint common.Address) *Client {
	return &Client{rpc: c, entryPoint: entryPoint}
}

func (c *Client) EntryPoint() common.Address {
	return c.entryPoint
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	if err := c.rpc.CallContext(ctx, &out, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) EstimateUserOperationGas(ctx context.Context, op *UserOperation) (*GasEstimate, error) {
	var out GasEstimate
	if err := c.rpc.CallContext(ctx, &out, "eth_estimateUserOperationGas", op, c.entryPoint); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var out common.Hash
	if err := c.rpc.CallContext(ctx, &out, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, err
	}
	return out, nil
}

// GetUserOperationReceipt returns nil without error while the operation is pending.
func (c *Client) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var out *UserOperationReceipt
	if err := c.rpc.CallContext(ctx, &out, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForReceipt polls for the user operation receipt until it is available or ctx is done.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, interval time.Duration) (*UserOperationReceipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := c.GetUserOperationReceipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
