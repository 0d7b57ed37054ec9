package workflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DelegationState is the EIP-7702 panel as displayed.
type DelegationState struct {
	Owner          string `json:"owner,omitempty"`
	Implementation string `json:"implementation,omitempty"`
	DelegationTx   string `json:"delegationTx,omitempty"`
	UserOpHash     string `json:"userOpHash,omitempty"`
	TxHash         string `json:"txHash,omitempty"`
	TxURL          string `json:"txUrl,omitempty"`
	LatencyMs      int64  `json:"latencyMs,omitempty"`
	GasUsed        uint64 `json:"gasUsed,omitempty"`
	Loading        bool   `json:"loading"`
	Error          string `json:"error,omitempty"`
}

// DelegationPanel upgrades a session EOA with EIP-7702 and sends a user
// operation from it through the bundler.
type DelegationPanel struct {
	w          *Workflow
	store      *keys.Store
	sessionKey *ecdsa.PrivateKey
	delegator  *bundler.Delegator
	logger     *logrus.Entry

	mu    sync.Mutex
	state DelegationState
}

// State returns a snapshot of the panel.
func (p *DelegationPanel) State() DelegationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	if p.delegator.Implementation != (common.Address{}) {
		s.Implementation = p.delegator.Implementation.Hex()
	}
	return s
}

// owner returns the configured session key, or the persisted one, generating
// and persisting a new key on first use.
func (p *DelegationPanel) owner() (*ecdsa.PrivateKey, error) {
	if p.sessionKey != nil {
		return p.sessionKey, nil
	}
	rec, err := p.store.Load(keys.DelegationSessionKey)
	if err == nil {
		return rec.Key()
	}
	if !errors.Is(err, keys.ErrNotFound) {
		return nil, err
	}
	k, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	rec = &keys.Record{Address: keys.Address(k).Hex(), PrivateKey: keys.ToHex(k)}
	if err := p.store.Save(keys.DelegationSessionKey, rec); err != nil {
		return nil, err
	}
	p.logger.WithFields(logrus.Fields{"owner": rec.Address}).Info("generated session owner")
	return k, nil
}

// DelegateAndSend delegates the session owner (if needed) and sends a user
// operation calling increment(), waiting for its receipt.
func (p *DelegationPanel) DelegateAndSend(ctx context.Context) (Result, error) {
	p.mu.Lock()
	p.state = DelegationState{Loading: true}
	p.mu.Unlock()

	res, err := p.delegateAndSend(ctx)
	p.w.metrics.observe(providerDelegation, "delegate_and_send", err)

	p.mu.Lock()
	p.state.Loading = false
	p.state.Error = errString(err)
	p.mu.Unlock()
	if err != nil {
		p.logger.WithFields(logrus.Fields{"error": err}).Error("delegated user operation failed")
		res.Error = err.Error()
	}
	return res, err
}

func (p *DelegationPanel) delegateAndSend(ctx context.Context) (Result, error) {
	res := Result{Provider: providerDelegation}
	if p.delegator.Sponsor == nil {
		return res, missingConfig("delegation sponsor private key is required")
	}
	if p.delegator.Bundler == nil {
		return res, missingConfig("bundler URL is required")
	}
	if p.delegator.Implementation == (common.Address{}) {
		return res, missingConfig("delegation implementation address is required")
	}
	owner, err := p.owner()
	if err != nil {
		return res, err
	}
	ownerAddr := keys.Address(owner)
	p.mu.Lock()
	p.state.Owner = ownerAddr.Hex()
	p.mu.Unlock()

	delegationTx, err := p.delegator.Delegate(ctx, owner)
	if err != nil {
		return res, fmt.Errorf("delegate: %w", err)
	}
	if delegationTx != (common.Hash{}) {
		p.mu.Lock()
		p.state.DelegationTx = delegationTx.Hex()
		p.mu.Unlock()
	}

	opHash, err := p.delegator.SendUserOperation(ctx, owner, bundler.Call{To: chain.CounterAddress, Data: chain.EncodeIncrement()})
	if err != nil {
		return res, err
	}
	// latency is measured from submission
	start := time.Now()
	res.TaskID = opHash.Hex()
	p.mu.Lock()
	p.state.UserOpHash = opHash.Hex()
	p.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, p.w.timing.UserOpTimeout)
	defer cancel()
	receipt, err := p.delegator.Bundler.WaitForReceipt(wctx, opHash, p.w.timing.ReceiptInterval)
	if err != nil {
		return res, fmt.Errorf("wait for user operation %s: %w", opHash.Hex(), err)
	}
	if !receipt.Success {
		return res, fmt.Errorf("user operation %s reverted: %s", opHash.Hex(), receipt.Reason)
	}
	latency := time.Since(start)
	p.w.metrics.observeLatency(providerDelegation, latency)

	res.Success = true
	res.LatencyMs = latency.Milliseconds()
	res.TxHash = receipt.Receipt.TransactionHash.Hex()
	if receipt.ActualGasUsed != nil {
		res.GasUsed = receipt.ActualGasUsed.ToInt().Uint64()
		p.w.metrics.observeGas(providerDelegation, res.GasUsed)
	}

	p.mu.Lock()
	p.state.TxHash = res.TxHash
	p.state.TxURL = chain.SourceChain.TxURL(receipt.Receipt.TransactionHash)
	p.state.LatencyMs = res.LatencyMs
	p.state.GasUsed = res.GasUsed
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{"userOpHash": opHash.Hex(), "tx": res.TxHash, "latency": latency}).Info("user operation included")
	return res, nil
}
