// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/bchsuite/bchwallet/keystore"
)

// DefaultRebroadcastInterval is how often unconfirmed transactions are
// resubmitted to the network.
const DefaultRebroadcastInterval = 5 * time.Minute

// GatewayConfig bundles the gateway's dependencies.
type GatewayConfig struct {
	// Session is the network session transactions go out on.
	Session Session

	// RebroadcastTicker paces resubmission of unconfirmed transactions.
	// Nil disables rebroadcasting.
	RebroadcastTicker ticker.Ticker

	// OnAccepted, when set, is invoked after the network accepts a
	// transaction. The wallet uses it to release coin reservations and
	// start watching the new outputs.
	OnAccepted func(txid chainhash.Hash, tx *wire.MsgTx)
}

// Gateway submits finished transactions to the network and keeps
// resubmitting them until they are observed confirmed.
type Gateway struct {
	cfg GatewayConfig

	// mu guards the unconfirmed set and the lifecycle flags.
	mu          sync.Mutex
	unconfirmed map[chainhash.Hash]*wire.MsgTx
	started     bool
	stopped     bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewGateway creates a broadcast gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		cfg:         cfg,
		unconfirmed: make(map[chainhash.Hash]*wire.MsgTx),
		quit:        make(chan struct{}),
	}
}

// Start launches the rebroadcast loop. Safe to call concurrently; only the
// first call has any effect.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started || g.cfg.RebroadcastTicker == nil {
		g.started = true
		return
	}
	g.started = true

	g.cfg.RebroadcastTicker.Resume()

	g.wg.Add(1)
	go g.rebroadcastLoop()
}

// Stop terminates the rebroadcast loop and waits for it to exit. Safe to
// call concurrently; only the first call has any effect.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started || g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.mu.Unlock()

	close(g.quit)
	if g.cfg.RebroadcastTicker != nil {
		g.cfg.RebroadcastTicker.Stop()
	}
	g.wg.Wait()
}

// Broadcast finalizes tx and submits it to the network. The transaction
// must be complete; config must match the policy it was signed under, nil
// for single-signer wallets. On success the transaction id is returned and
// the transaction enters the rebroadcast set until MarkConfirmed is called.
func (g *Gateway) Broadcast(ctx context.Context,
	tx *keystore.SignedTransaction, config *keystore.MultisigConfig) (
	chainhash.Hash, error) {

	if !tx.IsComplete() {
		return chainhash.Hash{}, keystore.ErrIncomplete
	}

	if g.cfg.Session == nil || !g.cfg.Session.Connected() {
		return chainhash.Hash{}, ErrNotConnected
	}

	final, err := tx.Finalize(config)
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := g.submit(ctx, final)
	if err != nil {
		return chainhash.Hash{}, err
	}

	g.mu.Lock()
	g.unconfirmed[txid] = final
	g.mu.Unlock()

	if g.cfg.OnAccepted != nil {
		g.cfg.OnAccepted(txid, final)
	}

	log.Infof("Broadcast transaction %v (%d inputs, %d outputs)", txid,
		len(final.TxIn), len(final.TxOut))

	return txid, nil
}

// submit serializes and sends one transaction, verifying the server echoes
// the expected transaction id.
func (g *Gateway) submit(ctx context.Context, tx *wire.MsgTx) (
	chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return chainhash.Hash{}, err
	}

	reported, err := g.cfg.Session.BroadcastRawTx(ctx, buf.Bytes())
	if err != nil {
		return chainhash.Hash{}, err
	}

	txid := tx.TxHash()
	if reported != txid.String() {
		return chainhash.Hash{}, fmt.Errorf("server reported txid "+
			"%s, expected %v", reported, txid)
	}

	return txid, nil
}

// MarkConfirmed removes a transaction from the rebroadcast set once it has
// been observed in a block.
func (g *Gateway) MarkConfirmed(txid chainhash.Hash) {
	g.mu.Lock()
	delete(g.unconfirmed, txid)
	g.mu.Unlock()
}

// PendingCount returns the number of transactions awaiting confirmation.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.unconfirmed)
}

// rebroadcastLoop periodically resubmits unconfirmed transactions. A
// rejection for a transaction the chain already contains means it
// confirmed between ticks, so it is dropped from the set.
func (g *Gateway) rebroadcastLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.cfg.RebroadcastTicker.Ticks():
			g.rebroadcastAll()

		case <-g.quit:
			return
		}
	}
}

// rebroadcastConcurrency bounds how many transactions are resubmitted at
// once on a ticker tick.
const rebroadcastConcurrency = 4

// rebroadcastAll resubmits every unconfirmed transaction on one ticker
// tick.
func (g *Gateway) rebroadcastAll() {
	if !g.cfg.Session.Connected() {
		return
	}

	g.mu.Lock()
	pending := make(map[chainhash.Hash]*wire.MsgTx, len(g.unconfirmed))
	for txid, tx := range g.unconfirmed {
		pending[txid] = tx
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(
		context.Background(), defaultCallTimeout,
	)
	defer cancel()

	var eg errgroup.Group
	eg.SetLimit(rebroadcastConcurrency)

	for txid, tx := range pending {
		eg.Go(func() error {
			_, err := g.submit(ctx, tx)

			var rejectErr *RejectError
			switch {
			case err == nil:
				log.Debugf("Rebroadcast transaction %v", txid)

			case errors.As(err, &rejectErr):
				log.Debugf("Transaction %v no longer "+
					"accepted: %s", txid, rejectErr.Reason)
				g.MarkConfirmed(txid)

			default:
				log.Warnf("Unable to rebroadcast transaction "+
					"%v: %v", txid, err)
			}

			// Failures are logged per transaction and never abort
			// the sweep.
			return nil
		})
	}

	_ = eg.Wait()
}
