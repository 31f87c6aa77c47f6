package chain

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
)

var (
	errNotImplemented = errors.New("not implemented")
	testBestBlock     = &headerfs.BlockStamp{
		Hash:   chainhash.Hash{0x42},
		Height: 42,
	}
	testTipTime = time.Unix(1700000000, 0)
)

var (
	_ rescanner            = (*mockRescanner)(nil)
	_ NeutrinoChainService = (*mockChainService)(nil)
)

// newMockNeutrinoClient constructs a neutrino client with a mock chain
// service implementation and mock rescanner interface implementation. Every
// rescan the client creates is recorded in the returned slice.
func newMockNeutrinoClient() (*NeutrinoClient, *rescanLog) {
	rescans := &rescanLog{}

	newRescanFunc := func(ro ...neutrino.RescanOption) rescanner {
		r := &mockRescanner{
			updateArgs: list.New(),
		}
		rescans.add(r)
		return r
	}

	return &NeutrinoClient{
		CS:        &mockChainService{},
		newRescan: newRescanFunc,
	}, rescans
}

type rescanLog struct {
	mu      sync.Mutex
	rescans []*mockRescanner
}

func (l *rescanLog) add(r *mockRescanner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rescans = append(l.rescans, r)
}

func (l *rescanLog) all() []*mockRescanner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*mockRescanner(nil), l.rescans...)
}

// mockRescanner is a mock implementation of a rescanner interface for use in
// tests.  Only the Update method is implemented.
type mockRescanner struct {
	mu         sync.Mutex
	updateArgs *list.List
}

func (m *mockRescanner) Update(opts ...neutrino.UpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateArgs.PushBack(opts)
	return nil
}

func (m *mockRescanner) updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateArgs.Len()
}

func (m *mockRescanner) Start() <-chan error {
	return nil
}

func (m *mockRescanner) WaitForShutdown() {
	// no-op
}

// mockChainService is a mock implementation of a chain service for use in
// tests.
type mockChainService struct {
	mu   sync.Mutex
	sent []*wire.MsgTx
}

func (m *mockChainService) Start() error {
	return nil
}

func (m *mockChainService) Stop() error {
	return nil
}

func (m *mockChainService) BestBlock() (*headerfs.BlockStamp, error) {
	return testBestBlock, nil
}

func (m *mockChainService) GetBlockHeader(
	*chainhash.Hash) (*wire.BlockHeader, error) {

	return &wire.BlockHeader{Timestamp: testTipTime}, nil
}

func (m *mockChainService) GetBlockHeight(*chainhash.Hash) (int32, error) {
	return 0, errNotImplemented
}

func (m *mockChainService) IsCurrent() bool {
	return false
}

func (m *mockChainService) SendTransaction(tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, tx)
	return nil
}
