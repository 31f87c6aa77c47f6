package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// publishQueueSize bounds the requests for an immediate first broadcast.
// Requests beyond it wait for the next rebroadcast tick.
const publishQueueSize = 100

// Broadcast persists tx to the durable queue and schedules a network
// broadcast. It returns once the queue entry is stored; the relay itself
// happens on the wallet's broadcast goroutine and is retried every
// rebroadcast interval until it succeeds.
func (w *ChainWallet) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	queued, err := w.cfg.Store.Enqueue(ctx, tx, w.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("enqueue tx %v: %w", tx.TxHash(), err)
	}
	if !queued {
		log.Debugf("Tx %v already queued for broadcast", tx.TxHash())
	}

	select {
	case w.publishRequests <- tx:
	case <-w.quit:
		return ErrWalletShuttingDown
	default:
		log.Debugf("Broadcast queue busy, tx %v waits for the next "+
			"rebroadcast", tx.TxHash())
	}

	return nil
}

// publish attempts one network broadcast of a queued transaction and removes
// the queue entry on success.
func (w *ChainWallet) publish(ctx context.Context, tx *wire.MsgTx) error {
	hash := tx.TxHash()

	if err := w.cfg.Store.MarkAttempt(ctx, hash, w.cfg.Clock.Now()); err != nil {
		return err
	}

	if _, err := w.cfg.Chain.SendRawTransaction(tx); err != nil {
		return &BroadcastTransientError{Hash: hash, Err: err}
	}

	removed, err := w.cfg.Store.Dequeue(ctx, hash)
	if err != nil {
		return err
	}
	if removed {
		log.Infof("Broadcast tx %v", hash)
	}

	return nil
}

// rebroadcastQueued attempts every queued transaction once.
func (w *ChainWallet) rebroadcastQueued(ctx context.Context) error {
	entries, err := w.cfg.Store.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list broadcast queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	log.Infof("Rebroadcasting %d queued %s", len(entries),
		pickNoun(len(entries), "transaction", "transactions"))

	for _, entry := range entries {
		if err := w.publish(ctx, entry.MsgTx); err != nil {
			log.Warnf("Attempt %d: %v", entry.Attempts+1, err)
		}
	}

	return nil
}

// broadcastHandler owns all network broadcasts: first attempts requested by
// Broadcast and the periodic retry of whatever is left in the queue.
func (w *ChainWallet) broadcastHandler() {
	defer w.wg.Done()

	ctx, cancel := w.quitContext()
	defer cancel()

	w.cfg.RebroadcastTicker.Resume()
	defer w.cfg.RebroadcastTicker.Stop()

	for {
		select {
		case tx := <-w.publishRequests:
			if err := w.publish(ctx, tx); err != nil {
				log.Warn(err)
			}

		case <-w.cfg.RebroadcastTicker.Ticks():
			if err := w.rebroadcastQueued(ctx); err != nil {
				log.Errorf("Unable to rebroadcast: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}
