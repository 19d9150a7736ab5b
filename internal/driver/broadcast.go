package driver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/klingon-exchange/swapd/internal/backend"
)

// broadcast sends tx, retrying transient adapter failures with exponential
// backoff. Anything else stops the retries at once.
func (d *swapDriver) broadcast(ctx context.Context, op string, tx *signedTx) error {
	cfg := d.deps.Config

	strategy := backoff.NewExponentialBackOff()
	if cfg.BroadcastBackoff > 0 {
		strategy.InitialInterval = cfg.BroadcastBackoff
	}
	strategy.MaxElapsedTime = 0

	retries := cfg.BroadcastRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := tx.send(ctx)
		if err == nil {
			return nil
		}
		if backend.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(retries)), ctx),
		func(err error, next time.Duration) {
			d.log.Warn("Broadcast failed, retrying", "op", op, "txid", tx.TxID, "attempt", attempt, "next", next, "error", err)
		})
	if err != nil {
		return classify(op, err)
	}
	return nil
}
