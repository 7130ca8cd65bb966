// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the engine together: it owns the coin set, issues
// addresses, builds and signs transactions, and hands finished transactions
// to the broadcast gateway. All wallet-mutating operations serialize on a
// single mutex, so concurrent callers queue rather than race.
package wallet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/bchsuite/bchwallet/addrmgr"
	"github.com/bchsuite/bchwallet/chain"
	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/keystore"
	"github.com/bchsuite/bchwallet/pkg/bchunit"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

// Config bundles the wallet's collaborators.
type Config struct {
	// DB is the wallet database shared by the registry and coin store.
	DB walletdb.DB

	// Keystore holds this signer's key material.
	Keystore *keystore.Keystore

	// Multisig is the cosigner policy, nil for single-signer wallets.
	Multisig *keystore.MultisigConfig

	// Registry tracks issued addresses.
	Registry *addrmgr.Registry

	// Gateway submits finished transactions. Nil wallets can build and
	// sign but not broadcast.
	Gateway *chain.Gateway

	// DefaultFeeRate is used when a transaction intent does not carry
	// an explicit rate.
	DefaultFeeRate bchunit.SatPerByte

	// MaxFeeRate caps user-supplied fee rates.
	MaxFeeRate bchunit.SatPerByte
}

// validate checks the required collaborators are present.
func (c *Config) validate() error {
	switch {
	case c.DB == nil:
		return errors.New("missing wallet database")
	case c.Keystore == nil:
		return errors.New("missing keystore")
	case c.Registry == nil:
		return errors.New("missing address registry")
	}

	if c.Multisig != nil {
		if err := c.Multisig.Validate(); err != nil {
			return err
		}
	}

	if c.DefaultFeeRate == 0 {
		c.DefaultFeeRate = bchunit.MinSatPerByte
	}
	if c.MaxFeeRate == 0 {
		c.MaxFeeRate = bchunit.DefaultMaxSatPerByte
	}

	return c.DefaultFeeRate.Validate(c.MaxFeeRate)
}

// Wallet is one open wallet instance.
type Wallet struct {
	cfg Config

	state walletState

	// mu serializes all wallet-mutating operations: address issuance,
	// coin bookkeeping, signing, broadcast.
	mu sync.Mutex

	coins *coinStore

	// tipHeight is the latest known chain height, used to compute coin
	// confirmations.
	tipHeight atomic.Int32

	// saveWG tracks in-flight background persistence. Stop blocks on it
	// so no write outlives the process unexpectedly.
	saveWG sync.WaitGroup
}

// New assembles a wallet from its collaborators.
func New(cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	coins, err := openCoinStore(cfg.DB)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		cfg:   cfg,
		coins: coins,
	}, nil
}

// Start brings the wallet into the started state and launches the
// gateway's background work.
func (w *Wallet) Start() error {
	if err := w.state.toStarting(); err != nil {
		return err
	}

	if w.cfg.Gateway != nil {
		w.cfg.Gateway.Start()
	}

	w.state.toStarted()

	log.Infof("Wallet started (multisig=%v)", w.cfg.Multisig != nil)

	return nil
}

// Stop shuts the wallet down. It blocks until all pending persistence has
// flushed, so closing or deleting the wallet right after never loses
// state.
func (w *Wallet) Stop() error {
	if err := w.state.toStopping(); err != nil {
		return err
	}

	// Save barrier: every scheduled write completes before shutdown
	// proceeds.
	w.saveWG.Wait()

	if w.cfg.Gateway != nil {
		w.cfg.Gateway.Stop()
	}

	w.state.toStopped()

	log.Info("Wallet stopped")

	return nil
}

// sigScheme returns the signature scheme the wallet spends under.
func (w *Wallet) sigScheme() txbuilder.SigScheme {
	if w.cfg.Multisig == nil {
		return txbuilder.SingleSig
	}

	return txbuilder.SigScheme{
		RequiredSigs: w.cfg.Multisig.RequiredSignatures,
		Cosigners:    w.cfg.Multisig.Cosigners(),
	}
}

// requiredSignatures returns how many signatures complete a transaction.
func (w *Wallet) requiredSignatures() int {
	if w.cfg.Multisig == nil {
		return 1
	}

	return w.cfg.Multisig.RequiredSignatures
}

// NewAddress issues the next receiving address.
func (w *Wallet) NewAddress() (*addrmgr.ManagedAddress, error) {
	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cfg.Registry.AllocateReceiving()
}

// UnusedAddress returns the earliest issued-but-unused receiving address,
// issuing a fresh one when all are used.
func (w *Wallet) UnusedAddress() (*addrmgr.ManagedAddress, error) {
	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cfg.Registry.FirstUnused(addrmgr.ReceivingBranch)
}

// Balance returns the wallet-wide balance split.
func (w *Wallet) Balance() (addrmgr.Balance, error) {
	return w.cfg.Registry.TotalBalance()
}

// SetTipHeight records the latest chain height.
func (w *Wallet) SetTipHeight(height int32) {
	w.tipHeight.Store(height)
}

// SpendableCoins lists the wallet's coins with current confirmation
// counts. Frozen coins are included; selection excludes them.
func (w *Wallet) SpendableCoins() ([]txbuilder.Coin, error) {
	return w.coins.ListCoins(w.tipHeight.Load())
}

// AddCoin records a new wallet-owned output, typically from a chain
// notification, and bumps the receiving address's usage state.
func (w *Wallet) AddCoin(coin *txbuilder.Coin,
	balance addrmgr.Balance) error {

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.coins.AddCoin(coin); err != nil {
		return err
	}

	err := w.cfg.Registry.MarkUsed(coin.Address, balance)
	if errors.Is(err, addrmgr.ErrAddressNotFound) {
		// Not one of ours to track, e.g. a multisig address imported
		// ad hoc.
		return nil
	}

	return err
}

// FreezeCoin reserves an outpoint, keeping it out of every selection until
// released. External plugins use this to hold coins.
func (w *Wallet) FreezeCoin(op wire.OutPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.coins.Freeze(op)
}

// UnfreezeCoin releases a reserved outpoint.
func (w *Wallet) UnfreezeCoin(op wire.OutPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.coins.Unfreeze(op)
}

// TxIntent describes a requested payment.
type TxIntent struct {
	// Outputs are the requested outputs. Exactly one may be a sweep.
	Outputs []txbuilder.OutputSpec

	// FeeRate overrides the wallet default when non-zero.
	FeeRate bchunit.SatPerByte

	// Exclude is a caller-supplied exclusion set, treated as opaque and
	// authoritative. The wallet's frozen set is applied on top of it.
	Exclude map[wire.OutPoint]struct{}

	// TokenFilter restricts selection to one token category.
	TokenFilter fn.Option[chainhash.Hash]

	// Ordering overrides the default largest-first accumulation order.
	Ordering txbuilder.CoinOrdering
}

// CreateTransaction selects coins and builds an unsigned transaction for
// the intent. The result carries no wallet state: discarding it has no
// side effects.
func (w *Wallet) CreateTransaction(intent TxIntent) (*txbuilder.UnsignedTx,
	error) {

	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	feeRate := intent.FeeRate
	if feeRate == 0 {
		feeRate = w.cfg.DefaultFeeRate
	}
	if err := feeRate.Validate(w.cfg.MaxFeeRate); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	candidates, err := w.coins.ListCoins(w.tipHeight.Load())
	if err != nil {
		return nil, err
	}

	exclude, err := w.exclusionSet(intent.Exclude)
	if err != nil {
		return nil, err
	}

	selected, _, err := txbuilder.Select(candidates, txbuilder.SelectParams{
		Target:      selectionTarget(intent.Outputs),
		FeeRate:     feeRate,
		Outputs:     intent.Outputs,
		Exclude:     exclude,
		TokenFilter: intent.TokenFilter,
		Scheme:      w.sigScheme(),
		Ordering:    intent.Ordering,
	})
	if err != nil {
		return nil, err
	}

	changeAddr, err := w.changeAddress()
	if err != nil {
		return nil, err
	}

	return txbuilder.Build(txbuilder.BuildParams{
		Inputs:        selected,
		Outputs:       intent.Outputs,
		FeeRate:       feeRate,
		ChangeAddress: changeAddr,
		Scheme:        w.sigScheme(),
	})
}

// SweepTo builds a transaction spending the wallet's entire spendable
// value to dest.
func (w *Wallet) SweepTo(dest cashaddr.Address,
	feeRate bchunit.SatPerByte) (*txbuilder.UnsignedTx, error) {

	return w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{{Address: dest, Max: true}},
		FeeRate: feeRate,
	})
}

// exclusionSet merges the caller's exclusion set with the persisted frozen
// set. Neither is reinterpreted: membership alone decides.
func (w *Wallet) exclusionSet(callerSet map[wire.OutPoint]struct{}) (
	map[wire.OutPoint]struct{}, error) {

	frozen, err := w.coins.FrozenOutPoints()
	if err != nil {
		return nil, err
	}

	for op := range callerSet {
		frozen[op] = struct{}{}
	}

	return frozen, nil
}

// selectionTarget sums the requested output values, or reports the sweep
// sentinel when an output claims the remainder.
func selectionTarget(outputs []txbuilder.OutputSpec) btcutil.Amount {
	var target btcutil.Amount
	for i := range outputs {
		if outputs[i].Max {
			return txbuilder.MaxAmount
		}

		target += outputs[i].Amount
	}

	return target
}

// changeAddress picks a change address, preferring an unused one on the
// internal branch.
func (w *Wallet) changeAddress() (cashaddr.Address, error) {
	record, err := w.cfg.Registry.FirstUnused(addrmgr.ChangeBranch)
	if err != nil {
		return cashaddr.Address{}, err
	}

	return record.Address, nil
}

// SignTransaction wraps an unsigned transaction and adds this wallet's
// signature share. When the transaction pays a payment request, the
// request's expiry is re-checked here: a request that expired between fetch
// and signing fails with ErrExpiredPaymentRequest. Signing either completes
// or fails atomically with respect to the signature set.
func (w *Wallet) SignTransaction(unsigned *txbuilder.UnsignedTx,
	password string, request *PaymentRequest) (
	*keystore.SignedTransaction, error) {

	if err := w.state.validateStarted(); err != nil {
		return nil, err
	}

	if err := checkRequestExpiry(request, time.Now()); err != nil {
		return nil, err
	}

	paths, err := w.inputPaths(unsigned)
	if err != nil {
		return nil, err
	}

	tx, err := keystore.NewSignedTransaction(
		unsigned, paths, w.requiredSignatures(),
	)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err = tx.Sign(w.cfg.Keystore, w.cfg.Multisig, password)
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// CosignTransaction adds this wallet's signature share to a partially
// signed transaction received from another cosigner.
func (w *Wallet) CosignTransaction(tx *keystore.SignedTransaction,
	password string) error {

	if err := w.state.validateStarted(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return tx.Sign(w.cfg.Keystore, w.cfg.Multisig, password)
}

// inputPaths resolves each input's branch/index from the registry.
func (w *Wallet) inputPaths(unsigned *txbuilder.UnsignedTx) (
	[]keychain.DerivationPath, error) {

	paths := make([]keychain.DerivationPath, len(unsigned.Inputs))
	for i := range unsigned.Inputs {
		record, err := w.cfg.Registry.Lookup(
			unsigned.Inputs[i].Address,
		)
		if err != nil {
			return nil, err
		}

		paths[i] = keychain.DerivationPath{
			uint32(record.Branch), record.Index,
		}
	}

	return paths, nil
}

// Broadcast submits a complete transaction to the network and schedules
// the spent-coin cleanup. The broadcast itself is synchronous; bookkeeping
// runs in the background and is flushed by the Stop save barrier.
func (w *Wallet) Broadcast(ctx context.Context,
	tx *keystore.SignedTransaction) (chainhash.Hash, error) {

	if err := w.state.validateStarted(); err != nil {
		return chainhash.Hash{}, err
	}

	if w.cfg.Gateway == nil {
		return chainhash.Hash{}, chain.ErrNotConnected
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	txid, err := w.cfg.Gateway.Broadcast(ctx, tx, w.cfg.Multisig)
	if err != nil {
		return chainhash.Hash{}, err
	}

	// The network accepted the transaction, so its inputs are no longer
	// spendable.
	spent := make([]wire.OutPoint, 0, len(tx.MsgTx().TxIn))
	for _, in := range tx.MsgTx().TxIn {
		spent = append(spent, in.PreviousOutPoint)
	}

	w.saveWG.Add(1)
	go func() {
		defer w.saveWG.Done()

		for _, op := range spent {
			if err := w.coins.RemoveCoin(op); err != nil {
				log.Errorf("Unable to remove spent coin %v: "+
					"%v", op, err)
			}
		}
	}()

	return txid, nil
}

// MarkConfirmed records that a broadcast transaction reached the chain.
func (w *Wallet) MarkConfirmed(txid chainhash.Hash) {
	if w.cfg.Gateway != nil {
		w.cfg.Gateway.MarkConfirmed(txid)
	}
}
