package chain

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReceiptAttempts = 10
	DefaultReceiptInterval = 2 * time.Second
)

// ReceiptPoller fetches a transaction receipt until it becomes available.
// It makes at most Attempts requests separated by a constant Interval; every
// failure is treated as "not yet available" until the budget runs out.
type ReceiptPoller struct {
	Client   Client
	Attempts int
	Interval time.Duration
	Logger   *logrus.Entry
}

// NewReceiptPoller returns a poller with the default budget of ten attempts two seconds apart.
func NewReceiptPoller(client Client, l *logrus.Entry) *ReceiptPoller {
	return &ReceiptPoller{
		Client:   client,
		Attempts: DefaultReceiptAttempts,
		Interval: DefaultReceiptInterval,
		Logger:   l,
	}
}

// Poll returns the receipt for hash or the last error once the attempt budget is exhausted.
func (p *ReceiptPoller) Poll(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	op := func() (*types.Receipt, error) {
		attempt++
		p.log().WithFields(logrus.Fields{"tx": hash.Hex(), "attempt": attempt, "max": attempts}).Debug("fetching receipt")
		r, err := p.Client.TransactionReceipt(ctx, hash)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ethereum.NotFound
		}
		return r, nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		p.log().WithFields(logrus.Fields{"tx": hash.Hex(), "error": err, "retryIn": wait}).Debug("receipt not ready yet")
	}
	r, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.log().WithFields(logrus.Fields{"tx": hash.Hex(), "error": err, "attempts": attempt}).Warn("receipt unavailable after all retries")
		return nil, err
	}
	return r, nil
}

func (p *ReceiptPoller) log() *logrus.Entry {
	if p.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return p.Logger
}

// WaitMined blocks until the receipt for hash is available or ctx is done.
// Unlike ReceiptPoller it has no attempt bound.
func WaitMined(ctx context.Context, client Client, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := client.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			return r, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
