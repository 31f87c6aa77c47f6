package wallet

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultConfirmQueueSize is the number of confirmation jobs that may
	// wait for a worker.
	DefaultConfirmQueueSize = 10000

	// confirmReorgMargin is how many blocks below the confirmation height
	// a handled transaction is remembered, so a shallow reorg does not
	// report it twice.
	confirmReorgMargin = 144
)

// workerPool runs jobs on a fixed set of goroutines. When the queue is full
// the submitting goroutine runs the job itself, so block processing slows
// down instead of dropping work.
type workerPool struct {
	jobs chan func()
	quit chan struct{}
	wg   sync.WaitGroup
}

func newWorkerPool(workers, queueSize int) *workerPool {
	p := &workerPool{
		jobs: make(chan func(), queueSize),
		quit: make(chan struct{}),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.jobs:
			job()

		case <-p.quit:
			return
		}
	}
}

// submit queues job, or runs it on the caller's goroutine when the queue is
// full.
func (p *workerPool) submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		job()
	}
}

// stop waits for running jobs and discards queued ones.
func (p *workerPool) stop() {
	close(p.quit)
	p.wg.Wait()
}

// confirmTracker removes transactions from the ledger once they are buried
// under the minimum number of confirmations. A transaction is handled at most
// once per process unless its removal fails, in which case a later block or
// restart retries it. Handled hashes are kept until their block is deeper
// than confirmReorgMargin below the confirmation height.
type confirmTracker struct {
	mu       sync.Mutex
	inFlight fn.Set[chainhash.Hash]
	handled  map[chainhash.Hash]int32
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{
		inFlight: fn.NewSet[chainhash.Hash](),
		handled:  make(map[chainhash.Hash]int32),
	}
}

// claim reserves hash for handling and reports whether this call did so.
func (c *confirmTracker) claim(hash chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight.Contains(hash) {
		return false
	}
	if _, ok := c.handled[hash]; ok {
		return false
	}
	c.inFlight.Add(hash)

	return true
}

// done records that the transaction mined at height was handled.
func (c *confirmTracker) done(hash chainhash.Hash, height int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.Remove(hash)
	c.handled[hash] = height
}

// release gives up a claim so the hash can be handled again.
func (c *confirmTracker) release(hash chainhash.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight.Remove(hash)
}

// prune forgets handled transactions mined below height.
func (c *confirmTracker) prune(height int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, mined := range c.handled {
		if mined < height {
			delete(c.handled, hash)
		}
	}
}

// onConfirmationDepthReached is run for every wallet transaction once it has
// MinConf confirmations.
func (w *ChainWallet) onConfirmationDepthReached(ctx context.Context,
	mined minedTx) {

	hash := mined.Hash
	if !w.confirms.claim(hash) {
		return
	}

	removed, err := w.cfg.Store.RemoveConfirmedTx(ctx, hash)
	if err != nil {
		w.confirms.release(hash)
		log.Errorf("Unable to remove confirmed tx %v: %v", hash, err)
		return
	}
	w.confirms.done(hash, mined.Height)

	if removed {
		log.Infof("Tx %v reached %d confirmations, removed from ledger",
			hash, w.cfg.MinConf)
	}

	if w.cfg.OnConfirmed != nil {
		w.cfg.OnConfirmed(hash)
	}
}

// dispatchConfirmations hands the transactions that reached the minimum
// depth in the block at height to the worker pool.
func (w *ChainWallet) dispatchConfirmations(ctx context.Context,
	height int32) {

	depthHeight := height - w.cfg.MinConf + 1
	if w.cfg.MinConf == 0 {
		depthHeight = height
	}
	if depthHeight < 0 {
		return
	}

	w.confirms.prune(depthHeight - confirmReorgMargin)

	mined, err := w.view.minedAt(depthHeight, depthHeight)
	if err != nil {
		log.Errorf("Unable to list txs mined at height %d: %v",
			depthHeight, err)
		return
	}

	for _, m := range mined {
		w.pool.submit(func() {
			w.onConfirmationDepthReached(ctx, m)
		})
	}
}

// sweepConfirmations handles every transaction that already has the minimum
// depth when the confirmation handler is installed, covering blocks that
// arrived while the daemon was down or syncing.
func (w *ChainWallet) sweepConfirmations(ctx context.Context,
	height int32) error {

	depthHeight := height - w.cfg.MinConf + 1
	if w.cfg.MinConf == 0 {
		depthHeight = height
	}

	mined, err := w.view.minedAt(0, depthHeight)
	if err != nil {
		return err
	}

	for _, m := range mined {
		w.onConfirmationDepthReached(ctx, m)
	}

	return nil
}
