// ABOUTME: Retries crash-recovery leftovers once hypervisor agents attach
// ABOUTME: Agent delegates cannot run at startup because no agent is connected yet

package gateway

import (
	"context"
	"errors"

	"github.com/apache/cloudstack-sub185/internal/agent"
)

// attachNotifier signals the recovery loop whenever an agent attaches.
type attachNotifier struct {
	agent.BaseListener
	attached chan<- struct{}
}

func (n *attachNotifier) ProcessConnect(context.Context, agent.HostInfo) error {
	select {
	case n.attached <- struct{}{}:
	default:
	}
	return nil
}

// recoverOnAttach reruns this node's pre-start leftovers after each agent attach until
// none are retained or ctx is done.
func (g *Gateway) recoverOnAttach(ctx context.Context, attached <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-attached:
		}

		res, acquired, err := g.stackMaid.RecoverStale(ctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			g.logger.Warn("retrying startup leftovers failed", "error", err)
		case !acquired:
			g.logger.Debug("gc lock busy, startup leftovers left to the next attach")
		case res.Retained == 0:
			g.logger.Info("startup leftovers settled",
				"executed", res.Executed, "quarantined", res.Quarantined)
			return
		}
	}
}
