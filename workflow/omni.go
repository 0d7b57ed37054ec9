package workflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

var (
	// MinFundingBalance is the balance the funding account must hold before it tops up a smart account.
	MinFundingBalance = chain.Ether("0.002")
	// FundingAmount is sent to a new smart account.
	FundingAmount = chain.Ether("0.001")
	// MinGasBalance is the ETH a smart account needs before a transfer.
	MinGasBalance = chain.Ether("0.0001")
	// MaxTransfer caps a single USDC transfer (10 USDC).
	MaxTransfer = big.NewInt(10_000_000)
)

// OmniState is the omni panel as displayed.
type OmniState struct {
	Address         string        `json:"address,omitempty"`
	Funded          bool          `json:"funded"`
	USDCBalance     float64       `json:"usdcBalance"`
	ETHBalance      float64       `json:"ethBalance"`
	BundleID        string        `json:"bundleId,omitempty"`
	BundleStatus    string        `json:"bundleStatus,omitempty"`
	FillTxHash      string        `json:"fillTxHash,omitempty"`
	CreatingAccount bool          `json:"creatingAccount"`
	Funding         bool          `json:"funding"`
	Transferring    bool          `json:"transferring"`
	Error           string        `json:"error,omitempty"`
	SourceChain     chain.Chain   `json:"sourceChain"`
	TargetChains    []chain.Chain `json:"targetChains"`
}

// TransferRequest is a cross-chain USDC transfer from the smart account.
type TransferRequest struct {
	Target  string `json:"target"`
	Amount  string `json:"amount"` // decimal USDC
	ChainID uint64 `json:"chainId"`
}

// OmniPanel drives the cross-chain smart account.
type OmniPanel struct {
	w       *Workflow
	client  *omni.Client
	store   *keys.Store
	funding *ecdsa.PrivateKey
	logger  *logrus.Entry

	mu      sync.Mutex
	state   OmniState
	account *omni.Account
	usdc    *big.Int // nil until the first balance read
	eth     *big.Int
}

// State returns a snapshot of the panel.
func (p *OmniPanel) State() OmniState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

func (p *OmniPanel) snapshot() OmniState {
	s := p.state
	s.SourceChain = chain.SourceChain
	s.TargetChains = chain.TargetChains()
	return s
}

func (p *OmniPanel) funded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Funded && p.state.Address != ""
}

// finish records err as the displayed error and returns the snapshot with it.
func (p *OmniPanel) finish(op string, err error) (OmniState, error) {
	p.w.metrics.observe(providerOmni, op, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Error = errString(err)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"operation": op, "error": err}).Error("omni operation failed")
	}
	return p.snapshot(), err
}

// Restore reloads the persisted account and, when the provider is configured,
// recreates the provider handle for it.
func (p *OmniPanel) Restore(ctx context.Context) {
	rec, err := p.store.Load(keys.OmniAccountKey)
	if errors.Is(err, keys.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.WithFields(logrus.Fields{"error": err}).Error("failed to load stored account")
		return
	}
	p.mu.Lock()
	p.state.Address = rec.Address
	p.state.Funded = rec.Funded
	p.mu.Unlock()

	if p.client == nil {
		return
	}
	owner, err := rec.Key()
	if err != nil {
		p.logger.WithFields(logrus.Fields{"error": err}).Error("stored account key is invalid")
		return
	}
	acct, err := p.client.CreateAccount(ctx, owner)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"error": err}).Error("failed to recreate account")
		return
	}
	p.mu.Lock()
	p.account = acct
	p.state.Address = acct.Address().Hex()
	p.mu.Unlock()
	l := p.logger.WithFields(logrus.Fields{"address": acct.Address().Hex(), "funded": rec.Funded})
	l.Info("restored account")
	if _, err := p.RefreshBalance(ctx); err != nil {
		l.WithFields(logrus.Fields{"error": err}).Warn("balance refresh after restore failed")
	}
}

// CreateAccount discards any existing account and creates a new one for a fresh owner key.
func (p *OmniPanel) CreateAccount(ctx context.Context) (OmniState, error) {
	p.mu.Lock()
	p.state = OmniState{CreatingAccount: true}
	p.account, p.usdc, p.eth = nil, nil, nil
	p.mu.Unlock()

	err := p.createAccount(ctx)
	p.mu.Lock()
	p.state.CreatingAccount = false
	p.mu.Unlock()
	return p.finish("create_account", err)
}

func (p *OmniPanel) createAccount(ctx context.Context) error {
	if err := p.store.Delete(keys.OmniAccountKey); err != nil {
		return err
	}
	if p.client == nil {
		return missingConfig("omni provider API key is required")
	}
	owner, err := keys.Generate()
	if err != nil {
		return err
	}
	acct, err := p.client.CreateAccount(ctx, owner)
	if err != nil {
		return err
	}
	rec := &keys.Record{Address: acct.Address().Hex(), PrivateKey: keys.ToHex(owner)}
	if err := p.store.Save(keys.OmniAccountKey, rec); err != nil {
		return err
	}

	p.mu.Lock()
	p.account = acct
	p.state.Address = acct.Address().Hex()
	p.mu.Unlock()
	l := p.logger.WithFields(logrus.Fields{"address": acct.Address().Hex(), "owner": acct.Owner().Hex()})
	l.Info("created account")
	if _, err := p.RefreshBalance(ctx); err != nil {
		l.WithFields(logrus.Fields{"error": err}).Warn("balance refresh after account creation failed")
	}
	return nil
}

func (p *OmniPanel) currentAccount() *omni.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account
}

// FundAccount sends FundingAmount from the funding key to the smart account
// and waits for the transfer to be mined.
func (p *OmniPanel) FundAccount(ctx context.Context) (OmniState, error) {
	p.setFunding(true)
	err := p.fundAccount(ctx)
	p.setFunding(false)
	return p.finish("fund_account", err)
}

func (p *OmniPanel) fundAccount(ctx context.Context) error {
	acct := p.currentAccount()
	if acct == nil {
		return invalid("Please create an account first")
	}
	if p.funding == nil {
		return missingConfig("funding private key is required for funding")
	}

	from := keys.Address(p.funding)
	bal, err := p.w.chain.BalanceAt(ctx, from, nil)
	if err != nil {
		return fmt.Errorf("funding balance: %w", err)
	}
	if bal.Cmp(MinFundingBalance) < 0 {
		return invalid("Insufficient balance in funding account")
	}

	tx, err := sendETH(ctx, p.w.chain, p.funding, acct.Address(), FundingAmount)
	if err != nil {
		return err
	}
	l := p.logger.WithFields(logrus.Fields{"tx": tx.Hash().Hex(), "to": acct.Address().Hex()})
	l.Info("funding transaction sent")

	receipt, err := chain.WaitMined(ctx, p.w.chain, tx.Hash(), p.w.timing.MinedInterval)
	if err != nil {
		return fmt.Errorf("wait for funding: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("funding transaction %s failed", tx.Hash().Hex())
	}
	if err := p.store.MarkFunded(keys.OmniAccountKey); err != nil {
		return err
	}
	p.mu.Lock()
	p.state.Funded = true
	p.mu.Unlock()
	l.Info("account funded")

	if _, err := p.RefreshBalance(ctx); err != nil {
		l.WithFields(logrus.Fields{"error": err}).Warn("balance refresh after funding failed")
	}
	return nil
}

func (p *OmniPanel) setFunding(b bool) {
	p.mu.Lock()
	p.state.Funding = b
	p.mu.Unlock()
}

// RefreshBalance reads the smart account's USDC and ETH balances on the source chain.
func (p *OmniPanel) RefreshBalance(ctx context.Context) (OmniState, error) {
	p.mu.Lock()
	addrHex := p.state.Address
	p.mu.Unlock()
	if addrHex == "" {
		return p.State(), invalid("Please create an account first")
	}
	addr := common.HexToAddress(addrHex)

	token, err := chain.TokenAddress("USDC", chain.SourceChain.ID)
	if err != nil {
		return p.State(), err
	}
	usdc, err := chain.ERC20BalanceOf(ctx, p.w.chain, token, addr)
	if err != nil {
		return p.State(), fmt.Errorf("usdc balance: %w", err)
	}
	eth, err := p.w.chain.BalanceAt(ctx, addr, nil)
	if err != nil {
		return p.State(), fmt.Errorf("eth balance: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Address != addrHex {
		// account was replaced while reading
		return p.snapshot(), nil
	}
	p.usdc, p.eth = usdc, eth
	p.state.USDCBalance = chain.FormatUnits(usdc, chain.USDCDecimals)
	p.state.ETHBalance = chain.FormatUnits(eth, chain.EtherDecimals)
	return p.snapshot(), nil
}

// validate applies the transfer checks in display order and returns the parsed
// recipient, amount and destination chain.
func (p *OmniPanel) validate(ctx context.Context, req TransferRequest) (common.Address, *big.Int, chain.Chain, error) {
	var none chain.Chain
	if strings.TrimSpace(req.Target) == "" || strings.TrimSpace(req.Amount) == "" {
		return common.Address{}, nil, none, invalid("Please enter a target address and amount")
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Target)) {
		return common.Address{}, nil, none, invalid("Invalid target address")
	}
	amount, err := chain.ParseUnits(req.Amount, chain.USDCDecimals)
	if err != nil || amount.Sign() == 0 {
		return common.Address{}, nil, none, invalid("Invalid amount")
	}

	p.mu.Lock()
	usdc, eth := p.usdc, p.eth
	p.mu.Unlock()
	if usdc == nil || eth == nil {
		if _, err := p.RefreshBalance(ctx); err != nil {
			return common.Address{}, nil, none, err
		}
		p.mu.Lock()
		usdc, eth = p.usdc, p.eth
		p.mu.Unlock()
	}

	if amount.Cmp(usdc) > 0 {
		return common.Address{}, nil, none, invalid("Insufficient balance")
	}
	if amount.Cmp(MaxTransfer) > 0 {
		return common.Address{}, nil, none, invalid("Amount must be less than 10 USDC")
	}
	if eth.Cmp(MinGasBalance) < 0 {
		return common.Address{}, nil, none, invalid("Insufficient ETH for gas fees. Please fund the account first.")
	}
	target, ok := chain.TargetChain(req.ChainID)
	if !ok {
		return common.Address{}, nil, none, invalid("Invalid target chain")
	}
	return common.HexToAddress(strings.TrimSpace(req.Target)), amount, target, nil
}

// Transfer submits a cross-chain USDC transfer and returns once the bundle is
// accepted. Execution is awaited in the background, after which the balance
// is refreshed.
func (p *OmniPanel) Transfer(ctx context.Context, req TransferRequest) (OmniState, error) {
	acct := p.currentAccount()
	if acct == nil {
		return p.finish("transfer", invalid("Please create an account first"))
	}
	p.mu.Lock()
	if p.state.Transferring {
		p.mu.Unlock()
		return p.finish("transfer", invalid("A transfer is already in progress"))
	}
	p.state.Transferring = true
	p.state.BundleID, p.state.BundleStatus, p.state.FillTxHash = "", "", ""
	p.mu.Unlock()

	bundle, err := p.submitTransfer(ctx, acct, req)
	if err != nil {
		p.setTransferring(false)
		return p.finish("transfer", err)
	}

	p.mu.Lock()
	p.state.BundleID = bundle.ID
	p.state.BundleStatus = string(omni.BundlePending)
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{"bundleId": bundle.ID, "targetChain": bundle.TargetChainID}).Info("transfer submitted")

	p.w.background(func(ctx context.Context) {
		p.awaitTransfer(ctx, acct, bundle)
	})
	return p.finish("transfer", nil)
}

func (p *OmniPanel) submitTransfer(ctx context.Context, acct *omni.Account, req TransferRequest) (*omni.Bundle, error) {
	to, amount, target, err := p.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	token, err := chain.TokenAddress("USDC", target.ID)
	if err != nil {
		return nil, invalid("Invalid target chain")
	}
	call, tokenReq, err := omni.ERC20Transfer(token, to, amount)
	if err != nil {
		return nil, err
	}
	return acct.SendTransaction(ctx, omni.TransactionRequest{
		SourceChain:   chain.SourceChain,
		TargetChain:   target,
		Calls:         []omni.Call{call},
		TokenRequests: []omni.TokenRequest{tokenReq},
	})
}

func (p *OmniPanel) setTransferring(b bool) {
	p.mu.Lock()
	p.state.Transferring = b
	p.mu.Unlock()
}

func (p *OmniPanel) awaitTransfer(ctx context.Context, acct *omni.Account, bundle *omni.Bundle) {
	defer p.setTransferring(false)
	l := p.logger.WithFields(logrus.Fields{"bundleId": bundle.ID})

	status, err := acct.WaitForExecution(ctx, bundle)
	p.w.metrics.observe(providerOmni, "execution", err)
	p.mu.Lock()
	if status != nil {
		p.state.BundleStatus = string(status.Status)
		if status.FillTransactionHash != nil {
			p.state.FillTxHash = status.FillTransactionHash.Hex()
		}
	}
	p.state.Error = errString(err)
	p.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			l.WithFields(logrus.Fields{"error": err}).Error("bundle execution failed")
		}
		return
	}
	l.Info("bundle executed")

	if !sleep(ctx, p.w.timing.RefreshDelay) {
		return
	}
	if _, err := p.RefreshBalance(ctx); err != nil {
		l.WithFields(logrus.Fields{"error": err}).Warn("balance refresh after transfer failed")
	}
}
