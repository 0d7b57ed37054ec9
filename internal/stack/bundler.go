package stack

import (
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// BundlerServer serves the ERC-4337 eth_ namespace over HTTP. Accepted user
// operations are reported as included on the first receipt query.
type BundlerServer struct {
	*httptest.Server
	ChainID *big.Int

	api *bundlerAPI
}

type bundlerAPI struct {
	chainID *big.Int

	mu  sync.Mutex
	ops map[common.Hash]bundler.UserOperation
}

// NewBundlerServer starts a fake bundler for chainID. It is closed on test cleanup.
func NewBundlerServer(t testing.TB, chainID *big.Int) *BundlerServer {
	api := &bundlerAPI{chainID: chainID, ops: make(map[common.Hash]bundler.UserOperation)}
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", api); err != nil {
		t.Fatal(err)
	}
	s := &BundlerServer{Server: httptest.NewServer(srv), ChainID: chainID, api: api}
	t.Cleanup(func() {
		s.Close()
		srv.Stop()
	})
	return s
}

// Operations returns the number of accepted user operations.
func (s *BundlerServer) Operations() int {
	s.api.mu.Lock()
	defer s.api.mu.Unlock()
	return len(s.api.ops)
}

func (b *bundlerAPI) SupportedEntryPoints() []common.Address {
	return []common.Address{bundler.EntryPointV06}
}

func (b *bundlerAPI) EstimateUserOperationGas(op bundler.UserOperation, ep common.Address) (*bundler.GasEstimate, error) {
	if ep != bundler.EntryPointV06 {
		return nil, errors.New("unsupported entrypoint")
	}
	return &bundler.GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(48_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(100_000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(60_000)),
	}, nil
}

func (b *bundlerAPI) SendUserOperation(op bundler.UserOperation, ep common.Address) (common.Hash, error) {
	hash, err := op.Hash(ep, b.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	signer, err := recoverSigner(common.BytesToHash(personalHash(hash)), op.Signature)
	if err != nil || signer != op.Sender {
		return common.Hash{}, errors.New("AA24 signature error")
	}
	b.mu.Lock()
	b.ops[hash] = op
	b.mu.Unlock()
	return hash, nil
}

func (b *bundlerAPI) GetUserOperationReceipt(hash common.Hash) (*bundler.UserOperationReceipt, error) {
	b.mu.Lock()
	op, ok := b.ops[hash]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return &bundler.UserOperationReceipt{
		UserOpHash:    hash,
		Sender:        op.Sender,
		Nonce:         op.Nonce,
		Success:       true,
		ActualGasUsed: (*hexutil.Big)(big.NewInt(91_000)),
		ActualGasCost: (*hexutil.Big)(big.NewInt(91_000_000)),
		Receipt: bundler.TxReceipt{
			TransactionHash: crypto.Keccak256Hash(hash.Bytes()),
			GasUsed:         (*hexutil.Big)(big.NewInt(91_000)),
		},
	}, nil
}

func personalHash(hash common.Hash) []byte {
	return accounts.TextHash(hash.Bytes())
}
