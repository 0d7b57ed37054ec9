// Package workflow holds the per-panel view state and orchestrates the
// provider calls behind every user action: the omni smart-account panel, the
// relay panel, the EIP-7702 delegation panel, and the side-by-side comparison.
package workflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	providerOmni       = "omni"
	providerRelay      = "relay"
	providerDelegation = "delegation"
)

// Timing groups the intervals used by background work. Zero values take the defaults.
type Timing struct {
	RefreshInterval time.Duration // balance auto-refresh while the account is funded
	RefreshDelay    time.Duration // pause between bundle completion and the balance refresh
	ReceiptAttempts int           // bounded receipt poll for gas used
	ReceiptInterval time.Duration
	MinedInterval   time.Duration // unbounded wait for funding and delegation transactions
	UserOpTimeout   time.Duration // upper bound on waiting for a user operation receipt
}

// DefaultTiming returns the production intervals.
func DefaultTiming() Timing {
	return Timing{
		RefreshInterval: 5 * time.Second,
		RefreshDelay:    2 * time.Second,
		ReceiptAttempts: chain.DefaultReceiptAttempts,
		ReceiptInterval: chain.DefaultReceiptInterval,
		MinedInterval:   time.Second,
		UserOpTimeout:   2 * time.Minute,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.RefreshInterval == 0 {
		t.RefreshInterval = d.RefreshInterval
	}
	if t.RefreshDelay == 0 {
		t.RefreshDelay = d.RefreshDelay
	}
	if t.ReceiptAttempts == 0 {
		t.ReceiptAttempts = d.ReceiptAttempts
	}
	if t.ReceiptInterval == 0 {
		t.ReceiptInterval = d.ReceiptInterval
	}
	if t.MinedInterval == 0 {
		t.MinedInterval = d.MinedInterval
	}
	if t.UserOpTimeout == 0 {
		t.UserOpTimeout = d.UserOpTimeout
	}
	return t
}

// Options wires the workflow to its collaborators. Nil clients and keys mean
// the corresponding setting is not configured; actions needing them fail with
// ErrMissingConfig.
type Options struct {
	Chain chain.Client // source chain node
	Store *keys.Store

	Omni *omni.Client

	Relay         relay.Config // owner is the funding key
	SponsorAPIKey string

	Bundler        *bundler.Client
	Implementation common.Address // EIP-7702 delegation target
	Paymaster      []byte

	FundingKey *ecdsa.PrivateKey
	SessionKey *ecdsa.PrivateKey // optional fixed delegation owner
	SponsorKey *ecdsa.PrivateKey // pays for delegation

	Registerer prometheus.Registerer
	Logger     *logrus.Entry
	Timing     Timing
}

// Workflow owns the three panels and the background work they start.
type Workflow struct {
	Omni       *OmniPanel
	Relay      *RelayPanel
	Delegation *DelegationPanel

	chain   chain.Client
	logger  *logrus.Entry
	metrics *metrics
	timing  Timing

	ctx    context.Context // service lifetime, parent of all background work
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a workflow. Chain and Store are required.
func New(opts Options) (*Workflow, error) {
	if opts.Chain == nil {
		return nil, errors.New("workflow: chain client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("workflow: key store is required")
	}
	l := opts.Logger
	if l == nil {
		l = logrus.NewEntry(logrus.StandardLogger())
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Workflow{
		chain:   opts.Chain,
		logger:  l,
		metrics: newMetrics(reg),
		timing:  opts.Timing.withDefaults(),
		ctx:     ctx,
		cancel:  cancel,
	}
	w.Omni = &OmniPanel{
		w:       w,
		client:  opts.Omni,
		store:   opts.Store,
		funding: opts.FundingKey,
		logger:  l.WithField("panel", providerOmni),
	}
	w.Relay = &RelayPanel{
		w:          w,
		cfg:        opts.Relay,
		sponsorKey: opts.SponsorAPIKey,
		owner:      opts.FundingKey,
		logger:     l.WithField("panel", providerRelay),
	}
	w.Delegation = &DelegationPanel{
		w:          w,
		store:      opts.Store,
		sessionKey: opts.SessionKey,
		delegator: &bundler.Delegator{
			Chain:          opts.Chain,
			Bundler:        opts.Bundler,
			Sponsor:        opts.SponsorKey,
			Implementation: opts.Implementation,
			Paymaster:      opts.Paymaster,
			MinedInterval:  w.timing.MinedInterval,
			Logger:         l.WithField("panel", providerDelegation),
		},
		logger: l.WithField("panel", providerDelegation),
	}
	return w, nil
}

// Start restores persisted state and begins the balance auto-refresh loop.
func (w *Workflow) Start(ctx context.Context) {
	w.Omni.Restore(ctx)
	w.background(w.autoRefresh)
}

// Stop cancels background work and waits for it to return.
func (w *Workflow) Stop() {
	w.cancel()
	w.wg.Wait()
}

// background runs fn on the service lifetime context.
func (w *Workflow) background(fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

// sleep waits for d or until ctx is done and reports whether the full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Workflow) autoRefresh(ctx context.Context) {
	ticker := time.NewTicker(w.timing.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.Omni.funded() {
				continue
			}
			if _, err := w.Omni.RefreshBalance(ctx); err != nil && ctx.Err() == nil {
				w.Omni.logger.WithFields(logrus.Fields{"error": err}).Warn("balance auto-refresh failed")
			}
		}
	}
}

// gasUsed runs the bounded receipt poll and returns the gas used, or 0 when
// the receipt never became available.
func (w *Workflow) gasUsed(ctx context.Context, l *logrus.Entry, hash common.Hash) uint64 {
	p := chain.NewReceiptPoller(w.chain, l)
	p.Attempts = w.timing.ReceiptAttempts
	p.Interval = w.timing.ReceiptInterval
	r, err := p.Poll(ctx, hash)
	if err != nil {
		l.WithFields(logrus.Fields{"tx": hash.Hex(), "error": err}).Error("failed to get gas used after all retries")
		return 0
	}
	return r.GasUsed
}
