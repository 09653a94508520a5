package txsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/ticker"
)

// PollerConfig holds the parameters needed to construct a Poller.
type PollerConfig struct {
	// Syncer is the syncer driven by the poller.
	Syncer *TxSyncer

	// Sinks are passed to every sync pass.
	Sinks []EventSink

	// SyncTicker signals the start of each sync pass. Using a
	// ticker.Force here allows tests to trigger passes manually.
	SyncTicker ticker.Ticker
}

// Poller periodically runs full sync passes in a background goroutine, for
// deployments that don't want to drive the syncer from their own event
// loop. Transient sync failures are logged and retried on the next tick.
type Poller struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg PollerConfig

	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPoller creates a Poller from the given config.
func NewPoller(cfg *PollerConfig) (*Poller, error) {
	if cfg.Syncer == nil {
		return nil, errors.New("a syncer is required")
	}
	if cfg.SyncTicker == nil {
		return nil, errors.New("a sync ticker is required")
	}

	return &Poller{
		cfg:  *cfg,
		quit: make(chan struct{}),
	}, nil
}

// Start launches the background sync loop.
func (p *Poller) Start() error {
	if p.started.Swap(true) {
		return nil
	}

	log.Info("Starting transaction sync poller")

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.cfg.SyncTicker.Resume()

	p.wg.Add(1)
	go p.syncLoop(ctx)

	return nil
}

// Stop cancels any in-flight sync pass and shuts down the loop.
func (p *Poller) Stop() error {
	if !p.started.Load() || p.stopped.Swap(true) {
		return nil
	}

	log.Info("Stopping transaction sync poller")

	close(p.quit)
	p.cancel()
	p.wg.Wait()

	return nil
}

// syncLoop runs one sync pass per tick until the poller is stopped.
func (p *Poller) syncLoop(ctx context.Context) {
	defer p.wg.Done()
	defer p.cfg.SyncTicker.Stop()

	for {
		select {
		case <-p.cfg.SyncTicker.Ticks():
			err := p.cfg.Syncer.Sync(ctx, p.cfg.Sinks)
			switch {
			case errors.Is(err, ErrUntrackedConfirmation):
				// Not retryable, the syncer is being driven
				// incorrectly. Leave it to the operator.
				log.Criticalf("Stopping periodic transaction "+
					"sync: %v", err)
				return

			case err != nil:
				log.Warnf("Periodic transaction sync failed, "+
					"will retry: %v", err)
			}

		case <-p.quit:
			return
		}
	}
}
