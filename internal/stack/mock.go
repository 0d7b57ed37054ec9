package stack

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var _ chain.Client = (*MockChain)(nil)

// MockChain is a chain.Client backed by maps. Sent transactions are mined
// immediately with GasUsed; contract calls return CallResult.
type MockChain struct {
	Err        error // returned by every call when set
	Balances   map[common.Address]*big.Int
	CallResult []byte
	GasUsed    uint64
	// ReceiptMisses is the number of receipt lookups answered with NotFound before a receipt is returned.
	ReceiptMisses int

	mu     sync.Mutex
	sent   []*types.Transaction
	misses map[common.Hash]int
	block  uint64
}

// NewMockChain returns a mock whose calls answer balanceOf with usdc.
func NewMockChain(usdc *big.Int) *MockChain {
	return &MockChain{
		Balances:   make(map[common.Address]*big.Int),
		CallResult: common.LeftPadBytes(usdc.Bytes(), 32),
		GasUsed:    21000,
		misses:     make(map[common.Hash]int),
	}
}

// SetBalance sets the ETH balance of addr.
func (m *MockChain) SetBalance(addr common.Address, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balances[addr] = wei
}

// Sent returns the transactions received so far.
func (m *MockChain) Sent() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Transaction, len(m.sent))
	copy(out, m.sent)
	return out
}

// Mine records a transaction hash as included, for receipts of transactions
// sent elsewhere (for example by a relay).
func (m *MockChain) Mine(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[hash] = 0
}

func (m *MockChain) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.Balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (m *MockChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, m.Err
}

func (m *MockChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.misses[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if n < m.ReceiptMisses {
		m.misses[hash] = n + 1
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, GasUsed: m.GasUsed}, nil
}

func (m *MockChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.sent)), m.Err
}

func (m *MockChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), m.Err
}

func (m *MockChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10_000_000)}, m.Err
}

func (m *MockChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(chain.SourceChain.ID), m.Err
}

func (m *MockChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.CallResult, nil
}

func (m *MockChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, m.Err
}

func (m *MockChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if m.Err != nil {
		return m.Err
	}
	if tx == nil {
		return errors.New("nil transaction")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	m.misses[tx.Hash()] = 0
	m.block++
	if to := tx.To(); to != nil {
		cur, ok := m.Balances[*to]
		if !ok {
			cur = new(big.Int)
		}
		m.Balances[*to] = new(big.Int).Add(cur, tx.Value())
	}
	return nil
}

func (m *MockChain) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, m.Err
}
