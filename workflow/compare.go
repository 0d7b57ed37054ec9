package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Comparison holds the outcomes of running both sponsored paths side by side.
type Comparison struct {
	RunID      string `json:"runId"`
	Relay      Result `json:"relay"`
	Delegation Result `json:"delegation"`
	Faster     string `json:"faster,omitempty"` // provider with the lower latency when both succeeded
}

// Compare sends a sponsored relay transaction and a delegated user operation
// concurrently. Each branch settles independently; a failure in one never
// cancels the other.
func (w *Workflow) Compare(ctx context.Context) Comparison {
	c := Comparison{RunID: uuid.NewString()}
	l := w.logger.WithFields(logrus.Fields{"runId": c.RunID})
	l.Info("starting comparison")

	var g errgroup.Group
	g.Go(func() error {
		c.Relay, _ = w.Relay.run(ctx, "sponsored", true)
		return nil
	})
	g.Go(func() error {
		c.Delegation, _ = w.Delegation.DelegateAndSend(ctx)
		return nil
	})
	_ = g.Wait()

	if c.Relay.Success && c.Delegation.Success {
		c.Faster = providerRelay
		if c.Delegation.LatencyMs < c.Relay.LatencyMs {
			c.Faster = providerDelegation
		}
	}
	l.WithFields(logrus.Fields{
		"relaySuccess":      c.Relay.Success,
		"relayLatency":      c.Relay.LatencyMs,
		"delegationSuccess": c.Delegation.Success,
		"delegationLatency": c.Delegation.LatencyMs,
		"faster":            c.Faster,
	}).Info("comparison settled")
	return c
}
