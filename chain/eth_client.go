package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the subset of the go-ethereum client used against the source chain.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Client interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) // nil blockNumber returns the latest confirmed balance
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	ethereum.BlockNumberReader // Used for healthcheck/readiness checks
}

func NewEthClient(url string) (Client, error) {
	return ethclient.Dial(url)
}

// Multi nodes

var _ Client = (*MultiNodeClient)(nil)

// MultiNodeClient fans a request out over a prioritized list of nodes and
// returns the first successful answer.
type MultiNodeClient struct {
	nodes []*item
	mu    sync.RWMutex
}

// item carries an id so that a priority swap can detect a list that changed underneath it.
type item struct {
	id     string // id is the position on the config url string
	client Client
}

// NewMultiNodeClient connects to a comma-separated list of ethereum clients.
// Nodes that fail to dial are skipped; it is an error only if none connect.
func NewMultiNodeClient(possibleUrls string, constructor func(url string) (Client, error)) (*MultiNodeClient, error) {
	urls := strings.Split(possibleUrls, ",")
	var nodes []*item
	errs := make(map[string]error)
	for _, url := range urls {
		url = strings.TrimSpace(url)
		n, err := constructor(url)
		if err != nil {
			errs[url] = err
			continue
		}
		nodes = append(nodes, &item{
			id:     fmt.Sprintf("%d", len(nodes)),
			client: n,
		})
	}
	if len(nodes) == 0 {
		message := "cannot connect to any nodes"
		for url, err := range errs {
			message = fmt.Sprintf("%s url='%s' err='%s'", message, url, err.Error())
		}
		return nil, errors.New(message)
	}
	return &MultiNodeClient{
		nodes: nodes,
	}, nil
}

// Len returns the number of connected nodes.
func (m *MultiNodeClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *MultiNodeClient) increaseNodePriority(position int, id string) {
	if position == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[position].id != id {
		return
	}
	m.nodes[position-1], m.nodes[position] = m.nodes[position], m.nodes[position-1]
}

func (m *MultiNodeClient) snapshot() []*item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*item, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// multiNodeCall is a generic pattern for any request RPC to multiple Ethereum clients that terminates
// at the first successful request. Any changes to node selection or prioritization logic
// should be made here.
func multiNodeCall[result any](m *MultiNodeClient, request func(Client) (result, error)) (out result, err error) {
	for i, node := range m.snapshot() {
		out, err = request(node.client)
		if err == nil {
			m.increaseNodePriority(i, node.id)
			return out, nil
		}
		// a missing receipt is an answer, not a node failure
		if errors.Is(err, ethereum.NotFound) {
			return out, err
		}
	}
	return
}

func (m *MultiNodeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return multiNodeCall(m, func(c Client) (*big.Int, error) { return c.BalanceAt(ctx, account, blockNumber) })
}

func (m *MultiNodeClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return multiNodeCall(m, func(c Client) ([]byte, error) { return c.CodeAt(ctx, account, blockNumber) })
}

func (m *MultiNodeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return multiNodeCall(m, func(c Client) (*types.Receipt, error) { return c.TransactionReceipt(ctx, txHash) })
}

func (m *MultiNodeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return multiNodeCall(m, func(c Client) (uint64, error) { return c.PendingNonceAt(ctx, account) })
}

func (m *MultiNodeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return multiNodeCall(m, func(c Client) (*big.Int, error) { return c.SuggestGasTipCap(ctx) })
}

func (m *MultiNodeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return multiNodeCall(m, func(c Client) (*types.Header, error) { return c.HeaderByNumber(ctx, number) })
}

func (m *MultiNodeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return multiNodeCall(m, func(c Client) (*big.Int, error) { return c.ChainID(ctx) })
}

func (m *MultiNodeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return multiNodeCall(m, func(c Client) ([]byte, error) { return c.CallContract(ctx, msg, blockNumber) })
}

func (m *MultiNodeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return multiNodeCall(m, func(c Client) (uint64, error) { return c.EstimateGas(ctx, msg) })
}

func (m *MultiNodeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := multiNodeCall(m, func(c Client) (struct{}, error) { return struct{}{}, c.SendTransaction(ctx, tx) })
	return err
}

const blockDiff = 3 // criteria for reporting failure based on two connected clients reporting different block numbers

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// BlockNumber is used as part of the liveness check for multiclients and will return
// an error if any of the connected clients fail or disagree on the chain tip.
// Failures are separated by '|'.
func (m *MultiNodeClient) BlockNumber(ctx context.Context) (uint64, error) {
	var blockheights []uint64
	var errStr string
	for index, node := range m.snapshot() {
		b, err := node.client.BlockNumber(ctx)
		if err != nil {
			errStr += fmt.Sprintf("node %d err: %s|", index, err.Error())
			continue
		}
		blockheights = append(blockheights, b)
		if len(blockheights) > 1 {
			if f, s := blockheights[len(blockheights)-1], blockheights[len(blockheights)-2]; absDiff(f, s) > blockDiff {
				errStr += fmt.Sprintf("nodes %d (%d) and %d (%d) are reporting different chain tips|", index, f, index-1, s)
			}
		}
	}
	if errStr != "" {
		return 0, errors.New(errStr)
	}
	return blockheights[0], nil
}
