package workflow

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// RelayState is the relay panel as displayed.
type RelayState struct {
	Owner       string `json:"owner,omitempty"`
	SmartWallet string `json:"smartWallet,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	ERC20TaskID string `json:"erc20TaskId,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	TxURL       string `json:"txUrl,omitempty"`
	LatencyMs   int64  `json:"latencyMs,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
	Loading     bool   `json:"loading"`
	Error       string `json:"error,omitempty"`
}

// Result is the outcome of one provider transaction.
type Result struct {
	Provider  string `json:"provider"`
	Success   bool   `json:"success"`
	TaskID    string `json:"taskId,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	GasUsed   uint64 `json:"gasUsed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RelayPanel sends counter increments through the gasless relay. The smart
// wallet is owned by the funding key.
type RelayPanel struct {
	w          *Workflow
	cfg        relay.Config
	sponsorKey string
	owner      *ecdsa.PrivateKey
	logger     *logrus.Entry

	mu    sync.Mutex
	state RelayState
}

// State returns a snapshot of the panel.
func (p *RelayPanel) State() RelayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	if p.owner != nil {
		s.Owner = keys.Address(p.owner).Hex()
		s.SmartWallet = s.Owner
	}
	return s
}

func incrementCall() relay.Call {
	return relay.Call{To: chain.CounterAddress, Data: chain.EncodeIncrement(), Value: (*hexutil.Big)(new(big.Int))}
}

// SponsoredTransaction calls increment() with gas paid by the sponsor and waits for success.
// Gas used is filled in by a background receipt poll.
func (p *RelayPanel) SponsoredTransaction(ctx context.Context) (Result, error) {
	return p.run(ctx, "sponsored", false)
}

// ERC20Transaction calls increment() with gas paid in USDC from the smart wallet.
func (p *RelayPanel) ERC20Transaction(ctx context.Context) (Result, error) {
	return p.run(ctx, "erc20", false)
}

// run executes one relay transaction. With waitGas the receipt poll runs inline
// and its result is part of the returned Result.
func (p *RelayPanel) run(ctx context.Context, kind string, waitGas bool) (Result, error) {
	p.mu.Lock()
	p.state = RelayState{Loading: true}
	p.mu.Unlock()

	res, hash, err := p.execute(ctx, kind)
	p.w.metrics.observe(providerRelay, kind, err)

	p.mu.Lock()
	p.state.Loading = false
	p.state.Error = errString(err)
	p.mu.Unlock()
	if err != nil {
		p.logger.WithFields(logrus.Fields{"payment": kind, "error": err}).Error("relay transaction failed")
		res.Error = err.Error()
		return res, err
	}

	if waitGas {
		res.GasUsed = p.recordGas(ctx, hash)
		return res, nil
	}
	p.w.background(func(ctx context.Context) {
		p.recordGas(ctx, hash)
	})
	return res, nil
}

func (p *RelayPanel) execute(ctx context.Context, kind string) (Result, common.Hash, error) {
	res := Result{Provider: providerRelay}
	var payment relay.Payment
	switch kind {
	case "sponsored":
		if p.sponsorKey == "" {
			return res, common.Hash{}, missingConfig("relay sponsor API key is required")
		}
		payment = relay.Sponsored(p.sponsorKey)
	default:
		token, err := chain.TokenAddress("USDC", chain.SourceChain.ID)
		if err != nil {
			return res, common.Hash{}, err
		}
		payment = relay.ERC20(token)
	}
	if p.owner == nil {
		return res, common.Hash{}, missingConfig("funding private key is required")
	}
	client, err := relay.New(p.cfg, p.owner)
	if err != nil {
		return res, common.Hash{}, err
	}

	task, err := p.submit(ctx, client, kind, payment)
	if err != nil {
		return res, common.Hash{}, err
	}
	// latency is measured from submission
	start := time.Now()
	res.TaskID = task.ID
	p.mu.Lock()
	if kind == "sponsored" {
		p.state.TaskID = task.ID
	} else {
		p.state.ERC20TaskID = task.ID
	}
	p.mu.Unlock()
	l := p.logger.WithFields(logrus.Fields{"taskId": task.ID, "payment": kind})
	l.Info("relay task submitted")

	status, err := task.Wait(ctx)
	if err != nil {
		return res, common.Hash{}, err
	}
	latency := time.Since(start)
	p.w.metrics.observeLatency(providerRelay, latency)

	res.Success = true
	res.LatencyMs = latency.Milliseconds()
	var hash common.Hash
	if status.TransactionHash != nil {
		hash = *status.TransactionHash
		res.TxHash = hash.Hex()
	}
	p.mu.Lock()
	p.state.LatencyMs = res.LatencyMs
	p.state.TxHash = res.TxHash
	if res.TxHash != "" {
		p.state.TxURL = chain.SourceChain.TxURL(hash)
	}
	p.mu.Unlock()
	l.WithFields(logrus.Fields{"tx": res.TxHash, "latency": latency}).Info("relay transaction succeeded")
	return res, hash, nil
}

// submit sends the increment. Sponsored calls are prepared and signed in two
// steps; token-paid calls go through Execute.
func (p *RelayPanel) submit(ctx context.Context, client *relay.Client, kind string, payment relay.Payment) (*relay.Task, error) {
	calls := []relay.Call{incrementCall()}
	if kind != "sponsored" {
		return client.Execute(ctx, payment, calls)
	}
	prepared, err := client.Prepare(ctx, payment, calls)
	if err != nil {
		return nil, err
	}
	return client.Send(ctx, prepared)
}

// recordGas polls for the receipt and stores the gas used; failures leave it empty.
func (p *RelayPanel) recordGas(ctx context.Context, hash common.Hash) uint64 {
	if hash == (common.Hash{}) {
		return 0
	}
	gas := p.w.gasUsed(ctx, p.logger, hash)
	if gas == 0 {
		return 0
	}
	p.w.metrics.observeGas(providerRelay, gas)
	p.mu.Lock()
	if p.state.TxHash == hash.Hex() {
		p.state.GasUsed = gas
	}
	p.mu.Unlock()
	return gas
}
