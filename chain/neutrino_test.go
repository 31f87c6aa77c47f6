package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestNeutrinoClientSequentialStartStop ensures that the client
// can sequentially Start and Stop without errors or races.
func TestNeutrinoClientSequentialStartStop(t *testing.T) {
	var (
		ctx, cancel = context.WithTimeout(context.Background(),
			1*time.Second)
		nc, _         = newMockNeutrinoClient()
		callStartStop = func() <-chan struct{} {
			done := make(chan struct{})
			go func() {
				defer close(done)
				err := nc.Start()
				require.NoError(t, err)
				nc.Stop()
				nc.WaitForShutdown()
			}()
			return done
		}
		numRestarts = 5
	)

	t.Cleanup(cancel)

	for i := 0; i < numRestarts; i++ {
		done := callStartStop()
		select {
		case <-ctx.Done():
			t.Fatal("timed out")
		case <-done:
		}
	}
}

// TestNeutrinoClientNotStarted checks that watch calls fail before Start.
func TestNeutrinoClientNotStarted(t *testing.T) {
	nc, _ := newMockNeutrinoClient()

	require.ErrorIs(t, nc.NotifyReceived(nil), ErrNotStarted)
	require.ErrorIs(t, nc.Rescan(time.Time{}, nil), ErrNotStarted)
}

// TestNeutrinoClientNotifyReceived verifies that a call to NotifyReceived sets
// the client into the scanning state and that subsequent calls while scanning
// will call Update on the client's Rescanner.
func TestNeutrinoClientNotifyReceived(t *testing.T) {
	var (
		addrs                   []btcutil.Address
		nc, rescans             = newMockNeutrinoClient()
		wantNotifyReceivedCalls = 4
		wantUpdateCalls         = wantNotifyReceivedCalls - 1
	)

	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	for i := 0; i < wantNotifyReceivedCalls; i++ {
		require.NoError(t, nc.NotifyReceived(addrs))
	}

	all := rescans.all()
	require.Len(t, all, 1)
	require.Equal(t, wantUpdateCalls, all[0].updates())
}

// TestNeutrinoClientRescanFinished checks that a rescan starting after the
// tip reports completion right away and that the connect notification is
// delivered first.
func TestNeutrinoClientRescanFinished(t *testing.T) {
	nc, rescans := newMockNeutrinoClient()

	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	ntfns := nc.Notifications()
	require.IsType(t, ClientConnected{}, <-ntfns)

	require.NoError(t, nc.Rescan(testTipTime.Add(time.Hour), nil))

	select {
	case n := <-ntfns:
		finished, ok := n.(*RescanFinished)
		require.True(t, ok, "unexpected notification %T", n)
		require.Equal(t, testBestBlock.Height, finished.Height)
		require.Equal(t, testBestBlock.Hash, *finished.Hash)

	case <-time.After(time.Second):
		t.Fatal("no rescan finished notification")
	}

	require.Len(t, rescans.all(), 1)

	// Restarting the rescan replaces the rescanner.
	require.NoError(t, nc.Rescan(testTipTime.Add(time.Hour), nil))
	<-ntfns
	require.Len(t, rescans.all(), 2)
}

// TestNeutrinoClientFilteredBlocks checks that filtered block callbacks are
// turned into wallet notifications in order.
func TestNeutrinoClientFilteredBlocks(t *testing.T) {
	nc, _ := newMockNeutrinoClient()

	require.NoError(t, nc.Start())
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})
	ntfns := nc.Notifications()
	<-ntfns

	// An old birthday keeps the rescan running.
	require.NoError(t, nc.Rescan(testTipTime.Add(-time.Hour), nil))

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	header := &wire.BlockHeader{Timestamp: testTipTime, Nonce: 1}

	go func() {
		nc.onFilteredBlockConnected(41, header,
			[]*btcutil.Tx{btcutil.NewTx(tx)})
		nc.onFilteredBlockDisconnected(41, header)
	}()

	connected, ok := (<-ntfns).(FilteredBlockConnected)
	require.True(t, ok)
	require.EqualValues(t, 41, connected.Block.Height)
	require.Equal(t, header.BlockHash(), connected.Block.Hash)
	require.Len(t, connected.RelevantTxs, 1)
	require.Equal(t, tx.TxHash(), connected.RelevantTxs[0].Hash)

	disconnected, ok := (<-ntfns).(BlockDisconnected)
	require.True(t, ok)
	require.EqualValues(t, 41, disconnected.Height)
}

// TestNeutrinoClientNotifyReceivedRescan verifies concurrent calls to
// NotifyReceived and Rescan do not result in a data race and that there is no
// panic on replacing the Rescanner.
func TestNeutrinoClientNotifyReceivedRescan(t *testing.T) {
	var (
		ctx, cancel = context.WithTimeout(context.Background(),
			5*time.Second)
		wg    sync.WaitGroup
		addrs []btcutil.Address
		done  = make(chan struct{})
		nc, _ = newMockNeutrinoClient()

		callRescan = func() {
			defer wg.Done()
			rerr := nc.Rescan(testTipTime.Add(-time.Hour), addrs)
			require.NoError(t, rerr)
		}

		callNotifyReceived = func() {
			defer wg.Done()
			err := nc.NotifyReceived(addrs)
			require.NoError(t, err)
		}

		wantRoutines = 100
	)

	t.Cleanup(cancel)

	// Start the client.
	err := nc.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Stop()
		nc.WaitForShutdown()
	})

	// Drain notifications so the queue never blocks.
	go func() {
		for range nc.Notifications() {
		}
	}()

	// Launch the wanted number of goroutines, wait for them to finish and
	// signal all done.
	wg.Add(wantRoutines)
	go func() {
		defer close(done)
		defer wg.Wait()
		for i := 0; i < wantRoutines; i++ {
			if i%3 == 0 {
				go callRescan()
				continue
			}

			go callNotifyReceived()
		}
	}()

	// Wait for all calls to complete or test to time out.
	select {
	case <-ctx.Done():
		t.Fatal("timed out")
	case <-done:
	}
}

// TestNeutrinoClientSend checks relay through the chain service.
func TestNeutrinoClientSend(t *testing.T) {
	nc, _ := newMockNeutrinoClient()

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	hash, err := nc.SendRawTransaction(tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), *hash)

	cs := nc.CS.(*mockChainService)
	require.Len(t, cs.sent, 1)

	best, height, err := nc.GetBestBlock()
	require.NoError(t, err)
	require.Equal(t, testBestBlock.Hash, *best)
	require.Equal(t, testBestBlock.Height, height)
}
