package wallet

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"

	"github.com/bchsuite/bchwallet/addrmgr"
	"github.com/bchsuite/bchwallet/chain"
	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/keystore"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

const defaultDBTimeout = 10 * time.Second

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"
	testPassword = "correct horse battery staple"
)

// newTestDB creates a temporary bdb walletdb.
func newTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")

	dbConn, err := walletdb.Create(
		"bdb", dbPath, true, defaultDBTimeout, false,
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = dbConn.Close()
	})

	return dbConn
}

// echoSession is a session stub that accepts every broadcast and echoes the
// correct transaction id, the way a well-behaved server does.
type echoSession struct {
	broadcasts int
}

func (s *echoSession) Connected() bool {
	return true
}

func (s *echoSession) BroadcastRawTx(_ context.Context, rawTx []byte) (
	string, error) {

	s.broadcasts++

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", err
	}

	return tx.TxHash().String(), nil
}

func (s *echoSession) Close() error {
	return nil
}

// newTestWallet assembles a running single-signer wallet over a fresh
// database, with a stubbed network session.
func newTestWallet(t *testing.T) (*Wallet, *echoSession) {
	t.Helper()

	db := newTestDB(t)

	keys, err := keychain.NewFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	accountPath := keychain.DefaultPath(keychain.KindStandard, 0)

	ks, err := keystore.New(keys, accountPath, testPassword)
	require.NoError(t, err)

	registry, err := addrmgr.Open(
		db,
		&addrmgr.KeyChainDeriver{Chain: keys, AccountPath: accountPath},
		accountPath,
	)
	require.NoError(t, err)

	session := &echoSession{}
	gateway := chain.NewGateway(chain.GatewayConfig{Session: session})

	w, err := New(Config{
		DB:       db,
		Keystore: ks,
		Registry: registry,
		Gateway:  gateway,
	})
	require.NoError(t, err)

	require.NoError(t, w.Start())
	t.Cleanup(func() {
		if w.state.isStarted() {
			require.NoError(t, w.Stop())
		}
	})

	return w, session
}

// newTestMultisigWallet assembles a running 2-of-3 wallet whose addresses
// come from the cosigner policy.
func newTestMultisigWallet(t *testing.T) *Wallet {
	t.Helper()

	db := newTestDB(t)

	config := &keystore.MultisigConfig{RequiredSignatures: 2}
	chains := make([]*keychain.KeyChain, 0, 3)
	for i := 0; i < 3; i++ {
		keys, err := keychain.NewFromSeed(
			bytes.Repeat([]byte{byte(i + 1)}, 32),
		)
		require.NoError(t, err)
		chains = append(chains, keys)

		xpub, err := keys.AccountXPub(
			keychain.DefaultPath(keychain.KindMultisig, uint32(i)),
		)
		require.NoError(t, err)

		config.Entries = append(config.Entries, keystore.KeystoreEntry{
			XPub: xpub,
		})
	}

	accountPath := keychain.DefaultPath(keychain.KindMultisig, 0)

	ks, err := keystore.New(chains[0], accountPath, testPassword)
	require.NoError(t, err)

	registry, err := addrmgr.Open(db, config, accountPath)
	require.NoError(t, err)

	gateway := chain.NewGateway(chain.GatewayConfig{
		Session: &echoSession{},
	})

	w, err := New(Config{
		DB:       db,
		Keystore: ks,
		Multisig: config,
		Registry: registry,
		Gateway:  gateway,
	})
	require.NoError(t, err)

	require.NoError(t, w.Start())
	t.Cleanup(func() {
		if w.state.isStarted() {
			require.NoError(t, w.Stop())
		}
	})

	return w
}

// fundWallet credits the wallet with one confirmed coin on a fresh
// receiving address.
func fundWallet(t *testing.T, w *Wallet, value btcutil.Amount,
	outIndex uint32) txbuilder.Coin {

	t.Helper()

	addr, err := w.NewAddress()
	require.NoError(t, err)

	coin := txbuilder.Coin{
		OutPoint: wire.OutPoint{Index: outIndex},
		Value:    value,
		Address:  addr.Address,
		Height:   100,
	}
	coin.OutPoint.Hash[0] = byte(outIndex + 1)

	err = w.AddCoin(&coin, addrmgr.Balance{Confirmed: value})
	require.NoError(t, err)

	w.SetTipHeight(100)

	return coin
}

// externalAddr returns an address outside the wallet.
func externalAddr(t *testing.T, seed byte) cashaddr.Address {
	t.Helper()

	hash := bytes.Repeat([]byte{seed}, cashaddr.Hash160Size)
	addr, err := cashaddr.NewAddress(hash, cashaddr.KindP2PKH, false)
	require.NoError(t, err)

	return addr
}

// TestLifecycle pins the start/stop state machine.
func TestLifecycle(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)

	// Double start is rejected.
	require.ErrorIs(t, w.Start(), ErrAlreadyStarted)

	require.NoError(t, w.Stop())

	// Operations on a stopped wallet are forbidden.
	_, err := w.NewAddress()
	require.ErrorIs(t, err, ErrStateForbidden)

	_, err = w.CreateTransaction(TxIntent{})
	require.ErrorIs(t, err, ErrStateForbidden)

	// Double stop is rejected too.
	require.ErrorIs(t, w.Stop(), ErrStateForbidden)
}

// TestCreateTransaction verifies the end-to-end funding path: selection,
// fee, and a change output on the internal branch.
func TestCreateTransaction(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.NoError(t, err)

	// Value equation holds.
	require.Equal(t, unsigned.InputSum(),
		unsigned.OutputSum()+unsigned.Fee)
	require.Positive(t, unsigned.Fee)

	// The change output pays an internal-branch address.
	require.GreaterOrEqual(t, unsigned.ChangeIndex, 0)
	changeAddr := unsigned.Outputs[unsigned.ChangeIndex].Address

	isChange, err := w.cfg.Registry.IsChange(changeAddr)
	require.NoError(t, err)
	require.True(t, isChange)
}

// TestMultisigChangeAddress verifies a multisig wallet's change output pays
// a script-hash address, so the change stays spendable under the policy.
func TestMultisigChangeAddress(t *testing.T) {
	t.Parallel()

	w := newTestMultisigWallet(t)
	fundWallet(t, w, 50_000, 0)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, unsigned.ChangeIndex, 0)
	change := unsigned.Outputs[unsigned.ChangeIndex].Address
	require.Equal(t, cashaddr.KindP2SH, change.Kind)

	isChange, err := w.cfg.Registry.IsChange(change)
	require.NoError(t, err)
	require.True(t, isChange)

	// The change output locks to the policy's redeem script hash at the
	// internal branch's first index.
	expected, err := w.cfg.Multisig.Address(
		uint32(addrmgr.ChangeBranch), 0,
	)
	require.NoError(t, err)
	require.True(t, change.Equal(expected))
}

// TestCreateTransactionInsufficient verifies the typed error when the
// wallet cannot cover the request.
func TestCreateTransactionInsufficient(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	fundWallet(t, w, 2000, 0)

	_, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.ErrorIs(t, err, txbuilder.ErrInsufficientFunds)
}

// TestFrozenCoinsExcluded verifies frozen coins stay out of selection until
// released.
func TestFrozenCoinsExcluded(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	coin := fundWallet(t, w, 10_000, 0)

	require.NoError(t, w.FreezeCoin(coin.OutPoint))

	outputs := []txbuilder.OutputSpec{
		{Address: externalAddr(t, 0xaa), Amount: 5000},
	}

	_, err := w.CreateTransaction(TxIntent{Outputs: outputs})
	require.ErrorIs(t, err, txbuilder.ErrInsufficientFunds)

	require.NoError(t, w.UnfreezeCoin(coin.OutPoint))

	_, err = w.CreateTransaction(TxIntent{Outputs: outputs})
	require.NoError(t, err)
}

// TestCallerExclusionSet verifies a caller-supplied exclusion set is
// honored alongside the frozen set.
func TestCallerExclusionSet(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	big := fundWallet(t, w, 10_000, 0)
	fundWallet(t, w, 8000, 1)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
		Exclude: map[wire.OutPoint]struct{}{
			big.OutPoint: {},
		},
	})
	require.NoError(t, err)

	for _, in := range unsigned.Inputs {
		require.NotEqual(t, big.OutPoint, in.OutPoint)
	}
}

// TestSignRejectsExpiredRequest verifies the signing-time expiry re-check.
func TestSignRejectsExpiredRequest(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.NoError(t, err)

	// The request was valid when fetched but lapsed before signing.
	request := &PaymentRequest{
		Expires: time.Now().Add(-time.Minute),
	}

	_, err = w.SignTransaction(unsigned, testPassword, request)
	require.ErrorIs(t, err, ErrExpiredPaymentRequest)

	// Without the request the same transaction signs fine.
	signed, err := w.SignTransaction(unsigned, testPassword, nil)
	require.NoError(t, err)
	require.True(t, signed.IsComplete())
}

// TestSignWrongPassword verifies the typed keystore error surfaces.
func TestSignWrongPassword(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.NoError(t, err)

	_, err = w.SignTransaction(unsigned, "hunter2", nil)
	require.ErrorIs(t, err, keystore.ErrInvalidPassword)
}

// TestBroadcastRemovesSpentCoins verifies the full spend path: build, sign,
// broadcast, then spent coins disappear from the store once the save
// barrier has flushed.
func TestBroadcastRemovesSpentCoins(t *testing.T) {
	t.Parallel()

	w, session := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.NoError(t, err)

	signed, err := w.SignTransaction(unsigned, testPassword, nil)
	require.NoError(t, err)

	final, err := signed.Finalize(nil)
	require.NoError(t, err)

	txid, err := w.Broadcast(context.Background(), signed)
	require.NoError(t, err)
	require.Equal(t, final.TxHash(), txid)
	require.Equal(t, 1, session.broadcasts)

	// Stop waits out the background bookkeeping.
	require.NoError(t, w.Stop())

	coins, err := w.SpendableCoins()
	require.NoError(t, err)
	require.Empty(t, coins)
}

// TestBroadcastRequiresComplete verifies an unsigned transaction is turned
// away before touching the network.
func TestBroadcastRequiresComplete(t *testing.T) {
	t.Parallel()

	w, session := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)

	unsigned, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
	})
	require.NoError(t, err)

	incomplete, err := keystore.NewSignedTransaction(
		unsigned,
		[]keychain.DerivationPath{{0, 0}},
		1,
	)
	require.NoError(t, err)

	_, err = w.Broadcast(context.Background(), incomplete)
	require.ErrorIs(t, err, keystore.ErrIncomplete)
	require.Zero(t, session.broadcasts)
}

// TestSweepTo verifies sweep mode drains every coin into one output.
func TestSweepTo(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)
	fundWallet(t, w, 7000, 1)

	unsigned, err := w.SweepTo(externalAddr(t, 0xbb), 1)
	require.NoError(t, err)

	require.Len(t, unsigned.Inputs, 2)
	require.Len(t, unsigned.Outputs, 1)
	require.Equal(t, -1, unsigned.ChangeIndex)
	require.Equal(t, btcutil.Amount(17_000),
		unsigned.Outputs[0].Amount+unsigned.Fee)
}

// TestFeeRateValidation verifies intent fee rates are bounded.
func TestFeeRateValidation(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)
	fundWallet(t, w, 10_000, 0)

	_, err := w.CreateTransaction(TxIntent{
		Outputs: []txbuilder.OutputSpec{
			{Address: externalAddr(t, 0xaa), Amount: 5000},
		},
		FeeRate: 1000,
	})
	require.Error(t, err)
}

// TestUnusedAddress verifies the wallet surfaces the earliest unused
// receiving address.
func TestUnusedAddress(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)

	first, err := w.NewAddress()
	require.NoError(t, err)

	unused, err := w.UnusedAddress()
	require.NoError(t, err)
	require.Equal(t, first.Index, unused.Index)
}
