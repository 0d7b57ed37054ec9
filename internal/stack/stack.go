package stack

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/chain"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
)

//
// go-ethereum's simulated package replicates a geth execution client in memory,
// which lets the funding, balance and delegation flows run end-to-end.
//

const SimulatedChainID = 1337

// SimulatedUSDCBalance is what balanceOf returns on the simulated source chain (25 USDC).
var SimulatedUSDCBalance = big.NewInt(25_000_000)

var (
	OneEther  = big.NewInt(params.Ether)
	DummyAddr = "0xfe3b557e8fb62b89f4916b721be55ceb828dbd73"
)

type BlockchainBackend struct {
	*simulated.Backend
	BankAccount *EOA

	mu sync.Mutex // serializes Commit with the auto-miner
}

// NewEthBackend creates a simulated chain with a funded bank account, a USDC
// stand-in at the source chain token address, and an EntryPoint stand-in
// whose getNonce returns zero.
func NewEthBackend() (*BlockchainBackend, error) {
	bankAccount, err := createEOA()
	if err != nil {
		return nil, err
	}

	log.SetDefault(log.NewLogger(log.DiscardHandler()))

	usdc, err := chain.TokenAddress("USDC", chain.SourceChain.ID)
	if err != nil {
		return nil, err
	}
	backend := &BlockchainBackend{
		Backend: simulated.NewBackend(
			types.GenesisAlloc{
				bankAccount.From:      {Balance: OneEther},
				usdc:                  {Code: constantReturnCode(SimulatedUSDCBalance)},
				bundler.EntryPointV06: {Code: constantReturnCode(new(big.Int))},
			},
		),
		BankAccount: bankAccount,
	}
	return backend, nil
}

// constantReturnCode is runtime bytecode returning value as a single 32 byte word for any call:
// PUSH32 value PUSH1 0 MSTORE PUSH1 32 PUSH1 0 RETURN
func constantReturnCode(value *big.Int) []byte {
	code := []byte{0x7f}
	code = append(code, common.LeftPadBytes(value.Bytes(), 32)...)
	return append(code, 0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0xf3)
}

// Commit seals the pending transactions into a block.
func (b *BlockchainBackend) Commit() common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Backend.Commit()
}

// AutoMine commits a block every interval until the test ends.
func (b *BlockchainBackend) AutoMine(t testing.TB, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Commit()
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type EOA struct {
	*bind.TransactOpts
	PrivateKey *ecdsa.PrivateKey
}

func createEOA() (*EOA, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(priv, big.NewInt(SimulatedChainID))
	if err != nil {
		return nil, err
	}
	return &EOA{
		PrivateKey:   priv,
		TransactOpts: opts,
	}, nil
}

// Transfer sends value wei from the bank account and returns the signed transaction.
// The transaction is left pending until the next Commit.
func (b *BlockchainBackend) Transfer(to common.Address, value *big.Int) (*types.Transaction, error) {
	client := b.Client()
	ctx := context.Background()

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	gasPrice := new(big.Int).Add(head.BaseFee, big.NewInt(params.GWei))
	chainid, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := client.PendingNonceAt(ctx, b.BankAccount.From)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainid,
		Nonce:     nonce,
		GasTipCap: big.NewInt(params.GWei),
		GasFeeCap: gasPrice,
		Gas:       21000,
		To:        &to,
		Value:     value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainid), b.BankAccount.PrivateKey)
	if err != nil {
		return nil, err
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}
