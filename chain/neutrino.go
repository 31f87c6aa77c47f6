package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
)

// ErrNotStarted is returned by calls that need a running client.
var ErrNotStarted = errors.New("neutrino client is not started")

// NeutrinoChainService is the subset of *neutrino.ChainService the client
// drives.
type NeutrinoChainService interface {
	Start() error
	Stop() error
	BestBlock() (*headerfs.BlockStamp, error)
	GetBlockHeader(*chainhash.Hash) (*wire.BlockHeader, error)
	GetBlockHeight(*chainhash.Hash) (int32, error)
	IsCurrent() bool
	SendTransaction(*wire.MsgTx) error
}

// rescanner is the part of *neutrino.Rescan the client drives. Tests
// replace it.
type rescanner interface {
	Start() <-chan error
	Update(...neutrino.UpdateOption) error
	WaitForShutdown()
}

// newRescanFunc starts building a rescan from options.
type newRescanFunc func(...neutrino.RescanOption) rescanner

var (
	_ rescanner            = (*neutrino.Rescan)(nil)
	_ NeutrinoChainService = (*neutrino.ChainService)(nil)
	_ Interface            = (*NeutrinoClient)(nil)
)

// NeutrinoClient is an implementation of Interface backed by a neutrino
// light client.
type NeutrinoClient struct {
	CS NeutrinoChainService

	newRescan newRescanFunc

	// We currently support one rescan/notification goroutine per client.
	rescan rescanner

	enqueueNotification chan interface{}
	dequeueNotification chan interface{}

	quit       chan struct{}
	rescanQuit chan struct{}
	wg         sync.WaitGroup
	started    bool
	scanning   bool
	finished   bool

	clientMtx sync.Mutex
}

// NewNeutrinoClient creates a new NeutrinoClient struct with a backing
// ChainService.
func NewNeutrinoClient(chainService *neutrino.ChainService) *NeutrinoClient {

	newRescan := func(ro ...neutrino.RescanOption) rescanner {
		return neutrino.NewRescan(
			&neutrino.RescanChainSource{ChainService: chainService},
			ro...,
		)
	}

	return &NeutrinoClient{
		CS:        chainService,
		newRescan: newRescan,
	}
}

// Start starts the chain service and the notification queue.
func (s *NeutrinoClient) Start() error {
	if err := s.CS.Start(); err != nil {
		return fmt.Errorf("start chain service: %w", err)
	}

	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		s.enqueueNotification = make(chan interface{})
		s.dequeueNotification = make(chan interface{})
		s.quit = make(chan struct{})
		s.started = true
		s.wg.Add(1)
		enqueue, quit := s.enqueueNotification, s.quit
		go func() {
			select {
			case enqueue <- ClientConnected{}:
			case <-quit:
			}
		}()
		go s.notificationHandler(
			s.enqueueNotification, s.dequeueNotification, s.quit,
		)
	}
	return nil
}

// Stop stops the notification queue and any running rescan. The chain
// service itself is left running.
func (s *NeutrinoClient) Stop() {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		return
	}
	close(s.quit)
	s.started = false

	if s.scanning {
		close(s.rescanQuit)
		s.scanning = false
	}
}

// WaitForShutdown blocks until the notification queue has exited.
func (s *NeutrinoClient) WaitForShutdown() {
	s.wg.Wait()
}

// GetBlockHeight gets the height of a block by its hash.
func (s *NeutrinoClient) GetBlockHeight(hash *chainhash.Hash) (int32, error) {
	return s.CS.GetBlockHeight(hash)
}

// GetBestBlock returns the hash and height of the best known header.
func (s *NeutrinoClient) GetBestBlock() (*chainhash.Hash, int32, error) {
	chainTip, err := s.CS.BestBlock()
	if err != nil {
		return nil, 0, err
	}

	return &chainTip.Hash, chainTip.Height, nil
}

// IsCurrent returns whether the chain backend considers its view of the
// network as current.
func (s *NeutrinoClient) IsCurrent() bool {
	return s.CS.IsCurrent()
}

// SendRawTransaction relays a transaction to the connected peers.
func (s *NeutrinoClient) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash,
	error) {

	if err := s.CS.SendTransaction(tx); err != nil {
		return nil, err
	}
	hash := tx.TxHash()
	return &hash, nil
}

// Rescan scans the chain from the first block at or after startTime for
// transactions touching addrs and keeps delivering filtered blocks once the
// tip is reached. A RescanFinished notification is sent when the scan
// catches up with the best block.
func (s *NeutrinoClient) Rescan(startTime time.Time,
	addrs []btcutil.Address) error {

	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	for s.scanning {
		// Restart the rescan by killing the existing rescan.
		close(s.rescanQuit)
		s.scanning = false
		rescan := s.rescan
		s.clientMtx.Unlock()
		rescan.WaitForShutdown()
		s.clientMtx.Lock()
	}
	s.rescanQuit = make(chan struct{})
	s.scanning = true
	s.finished = false

	bestBlock, err := s.CS.BestBlock()
	if err != nil {
		return fmt.Errorf("can't get chain service's best block: %w",
			err)
	}
	header, err := s.CS.GetBlockHeader(&bestBlock.Hash)
	if err != nil {
		return fmt.Errorf("can't get block header for hash %v: %w",
			bestBlock.Hash, err)
	}

	// If the wallet is already fully caught up, or the rescan starts
	// after the current tip, we'll send a notification indicating the
	// rescan has "finished".
	if bestBlock.Height == 0 || !header.Timestamp.After(startTime) {
		s.finished = true
		rescanQuit := s.rescanQuit
		select {
		case s.enqueueNotification <- &RescanFinished{
			Hash:   &bestBlock.Hash,
			Height: bestBlock.Height,
			Time:   header.Timestamp,
		}:
		case <-s.quit:
			return nil
		case <-rescanQuit:
			return nil
		}
	}

	s.startRescan(
		neutrino.StartTime(startTime),
		neutrino.WatchAddrs(addrs...),
	)

	return nil
}

// NotifyReceived adds addresses to the watch list of the running rescan, or
// starts watching from the current tip if no rescan is running.
func (s *NeutrinoClient) NotifyReceived(addrs []btcutil.Address) error {
	s.clientMtx.Lock()
	if !s.started {
		s.clientMtx.Unlock()
		return ErrNotStarted
	}

	// If we have a rescan running, we just need to add the appropriate
	// addresses to the watch list.
	if s.scanning {
		rescan := s.rescan
		s.clientMtx.Unlock()
		return rescan.Update(neutrino.AddAddrs(addrs...))
	}
	defer s.clientMtx.Unlock()

	bestBlock, err := s.CS.BestBlock()
	if err != nil {
		return fmt.Errorf("can't get chain service's best block: %w",
			err)
	}

	s.rescanQuit = make(chan struct{})
	s.scanning = true

	// Don't need RescanFinished notifications.
	s.finished = true

	s.startRescan(
		neutrino.StartBlock(bestBlock),
		neutrino.WatchAddrs(addrs...),
	)

	return nil
}

// startRescan launches a rescan with the client's notification handlers.
// The caller must hold clientMtx and have set a fresh rescanQuit.
func (s *NeutrinoClient) startRescan(opts ...neutrino.RescanOption) {
	opts = append([]neutrino.RescanOption{
		neutrino.NotificationHandlers(rpcclient.NotificationHandlers{
			OnFilteredBlockConnected:    s.onFilteredBlockConnected,
			OnFilteredBlockDisconnected: s.onFilteredBlockDisconnected,
		}),
		neutrino.QuitChan(s.rescanQuit),
	}, opts...)

	s.rescan = s.newRescan(opts...)
	errChan := s.rescan.Start()

	quit, rescanQuit := s.quit, s.rescanQuit
	go func() {
		select {
		case err := <-errChan:
			if err != nil {
				log.Errorf("Neutrino rescan ended with error: %v",
					err)
			}
		case <-quit:
		case <-rescanQuit:
		}
	}()
}

// Notifications returns the channel notifications are delivered on. It is
// closed when the client stops.
func (s *NeutrinoClient) Notifications() <-chan interface{} {
	return s.dequeueNotification
}

// onFilteredBlockConnected sends appropriate notifications to the notification
// channel.
func (s *NeutrinoClient) onFilteredBlockConnected(height int32,
	header *wire.BlockHeader, relevantTxs []*btcutil.Tx) {

	ntfn := FilteredBlockConnected{
		Block: &wtxmgr.BlockMeta{
			Block: wtxmgr.Block{
				Hash:   header.BlockHash(),
				Height: height,
			},
			Time: header.Timestamp,
		},
	}
	for _, tx := range relevantTxs {
		rec, err := wtxmgr.NewTxRecordFromMsgTx(tx.MsgTx(),
			header.Timestamp)
		if err != nil {
			log.Errorf("Cannot create transaction record for "+
				"relevant tx: %v", err)
			continue
		}
		ntfn.RelevantTxs = append(ntfn.RelevantTxs, rec)
	}

	s.clientMtx.Lock()
	enqueue, quit, rescanQuit := s.enqueueNotification, s.quit,
		s.rescanQuit
	s.clientMtx.Unlock()

	select {
	case enqueue <- ntfn:
	case <-quit:
		return
	case <-rescanQuit:
		return
	}

	bs, err := s.CS.BestBlock()
	if err != nil {
		log.Errorf("Can't get chain service's best block: %v", err)
		return
	}
	if bs.Hash != header.BlockHash() {
		return
	}

	// Only send the RescanFinished notification once.
	s.clientMtx.Lock()
	if s.finished {
		s.clientMtx.Unlock()
		return
	}
	s.finished = true
	s.clientMtx.Unlock()

	select {
	case enqueue <- &RescanFinished{
		Hash:   &bs.Hash,
		Height: bs.Height,
		Time:   header.Timestamp,
	}:
	case <-quit:
	case <-rescanQuit:
	}
}

// onFilteredBlockDisconnected sends appropriate notifications to the
// notification channel.
func (s *NeutrinoClient) onFilteredBlockDisconnected(height int32,
	header *wire.BlockHeader) {

	s.clientMtx.Lock()
	enqueue, quit, rescanQuit := s.enqueueNotification, s.quit,
		s.rescanQuit
	s.clientMtx.Unlock()

	select {
	case enqueue <- BlockDisconnected{
		Block: wtxmgr.Block{
			Hash:   header.BlockHash(),
			Height: height,
		},
		Time: header.Timestamp,
	}:
	case <-quit:
	case <-rescanQuit:
	}
}

// notificationHandler queues and dequeues notifications. There are currently
// no bounds on the queue, so the dequeue channel should be read continually to
// avoid running out of memory.
func (s *NeutrinoClient) notificationHandler(enqueue <-chan interface{},
	dequeueChan chan interface{}, quit <-chan struct{}) {

	defer s.wg.Done()

	var (
		notifications []interface{}
		dequeue       chan interface{}
		next          interface{}
	)
out:
	for {
		select {
		case n := <-enqueue:
			if len(notifications) == 0 {
				next = n
				dequeue = dequeueChan
			}
			notifications = append(notifications, n)

		case dequeue <- next:
			notifications[0] = nil
			notifications = notifications[1:]
			if len(notifications) != 0 {
				next = notifications[0]
			} else {
				dequeue = nil
			}

		case <-quit:
			break out
		}
	}

	close(dequeueChan)
}
