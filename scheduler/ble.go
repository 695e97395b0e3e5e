package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-capsule/capability"
)

// Deliverer hands scan reports to the running capsule.
type Deliverer interface {
	DeliverAdvertisement(ctx context.Context, adv capability.Advertisement) error
}

// ForwardAdvertisements delivers each report to the capsule until ctx ends
// or reports closes. A report the capsule cannot take within wait, because
// nothing runs or a long call holds the instance, is dropped.
func ForwardAdvertisements(ctx context.Context, d Deliverer, reports <-chan capability.Advertisement, wait time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case adv, ok := <-reports:
			if !ok {
				return
			}
			callCtx, cancel := context.WithTimeout(ctx, wait)
			err := d.DeliverAdvertisement(callCtx, adv)
			cancel()
			if err != nil {
				logger.Debug("advertisement dropped", zap.Stringer("addr", adv), zap.Error(err))
			}
		}
	}
}
