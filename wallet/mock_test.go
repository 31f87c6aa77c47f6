package wallet

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/instapay/instapayd/chain"
)

var _ chain.Interface = (*mockChain)(nil)

// mockChain is a chain backend driven by the test. Rescan completes at once
// at the configured best height and every relay attempt is reported on
// sendAttempts.
type mockChain struct {
	mu sync.Mutex

	ntfns chan interface{}

	bestHeight int32
	sendErr    error
	sent       []chainhash.Hash
	rescans    int
	notified   []btcutil.Address
	notifyErr  error

	sendAttempts chan chainhash.Hash
}

func newMockChain(bestHeight int32) *mockChain {
	return &mockChain{
		ntfns:        make(chan interface{}, 100),
		bestHeight:   bestHeight,
		sendAttempts: make(chan chainhash.Hash, 100),
	}
}

func (m *mockChain) Start() error { return nil }

func (m *mockChain) Stop() {}

func (m *mockChain) WaitForShutdown() {}

func (m *mockChain) GetBestBlock() (*chainhash.Hash, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &chainhash.Hash{}, m.bestHeight, nil
}

func (m *mockChain) GetBlockHeight(*chainhash.Hash) (int32, error) {
	return 0, nil
}

func (m *mockChain) IsCurrent() bool { return true }

func (m *mockChain) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash,
	error) {

	hash := tx.TxHash()

	m.mu.Lock()
	err := m.sendErr
	if err == nil {
		m.sent = append(m.sent, hash)
	}
	m.mu.Unlock()

	m.sendAttempts <- hash

	if err != nil {
		return nil, err
	}
	return &hash, nil
}

func (m *mockChain) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *mockChain) sentTxns() []chainhash.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chainhash.Hash(nil), m.sent...)
}

func (m *mockChain) Rescan(time.Time, []btcutil.Address) error {
	m.mu.Lock()
	m.rescans++
	height := m.bestHeight
	m.mu.Unlock()

	m.ntfns <- &chain.RescanFinished{
		Hash:   &chainhash.Hash{},
		Height: height,
	}

	return nil
}

func (m *mockChain) NotifyReceived(addrs []btcutil.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.notified = append(m.notified, addrs...)
	return nil
}

func (m *mockChain) setNotifyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyErr = err
}

func (m *mockChain) notifiedAddrs() []btcutil.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]btcutil.Address(nil), m.notified...)
}

func (m *mockChain) Notifications() <-chan interface{} {
	return m.ntfns
}
