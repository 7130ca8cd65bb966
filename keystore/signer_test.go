package keystore

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

// destAddr is an arbitrary payment destination.
func destAddr(t *testing.T) cashaddr.Address {
	t.Helper()

	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = 0x77
	}

	addr, err := cashaddr.NewAddress(hash, cashaddr.KindP2PKH, false)
	require.NoError(t, err)

	return addr
}

// newUnsignedTx builds a one-input transaction spending from fundAddr.
func newUnsignedTx(t *testing.T,
	fundAddr cashaddr.Address) *txbuilder.UnsignedTx {

	t.Helper()

	var txid chainhash.Hash
	txid[0] = 0x01

	return &txbuilder.UnsignedTx{
		Inputs: []txbuilder.Coin{{
			OutPoint: wire.OutPoint{Hash: txid, Index: 0},
			Value:    10000,
			Address:  fundAddr,
		}},
		Outputs: []txbuilder.OutputSpec{{
			Address: destAddr(t),
			Amount:  9000,
		}},
		ChangeIndex: -1,
		Fee:         1000,
	}
}

// TestSingleSignerCompletes verifies one signature completes a single-sig
// transaction and the finalized script has the sig+pubkey shape.
func TestSingleSignerCompletes(t *testing.T) {
	t.Parallel()

	chain, err := keychain.NewFromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	accountPath := keychain.DefaultPath(keychain.KindStandard, 0)

	ks, err := New(chain, accountPath, testPassword)
	require.NoError(t, err)

	material, err := chain.DerivePub(accountPath.Extend(0, 0))
	require.NoError(t, err)

	fundAddr, err := cashaddr.NewAddress(
		material.Hash160[:], cashaddr.KindP2PKH, false,
	)
	require.NoError(t, err)

	tx, err := NewSignedTransaction(
		newUnsignedTx(t, fundAddr),
		[]keychain.DerivationPath{{0, 0}}, 1,
	)
	require.NoError(t, err)
	require.Equal(t, StateUnsigned, tx.State())
	require.False(t, tx.IsComplete())

	// A wrong password must not add anything.
	err = tx.Sign(ks, nil, "wrong")
	require.ErrorIs(t, err, ErrInvalidPassword)
	require.Equal(t, StateUnsigned, tx.State())

	require.NoError(t, tx.Sign(ks, nil, testPassword))
	require.True(t, tx.IsComplete())
	require.Equal(t, StateComplete, tx.State())

	require.NoError(t, tx.VerifySignatures(nil))

	final, err := tx.Finalize(nil)
	require.NoError(t, err)
	require.NotEmpty(t, final.TxIn[0].SignatureScript)

	// Signature script ends with the compressed pubkey push.
	script := final.TxIn[0].SignatureScript
	require.Equal(t, material.Key.SerializeCompressed(), script[len(script)-33:])
}

// TestMultisigStateMachine walks a 2-of-3 transaction through the
// Unsigned -> PartiallySigned -> Complete lifecycle, including the
// duplicate-cosigner and extra-signature cases.
func TestMultisigStateMachine(t *testing.T) {
	t.Parallel()

	config, chains := newTestConfig(t, 2, 3)

	keystores := make([]*Keystore, len(chains))
	for i, chain := range chains {
		ks, err := New(
			chain,
			keychain.DefaultPath(keychain.KindMultisig, uint32(i)),
			testPassword,
		)
		require.NoError(t, err)
		keystores[i] = ks
	}

	fundAddr, err := config.Address(0, 0)
	require.NoError(t, err)

	tx, err := NewSignedTransaction(
		newUnsignedTx(t, fundAddr),
		[]keychain.DerivationPath{{0, 0}}, config.RequiredSignatures,
	)
	require.NoError(t, err)
	require.Equal(t, StateUnsigned, tx.State())

	// Finalizing too early fails.
	_, err = tx.Finalize(config)
	require.ErrorIs(t, err, ErrIncomplete)

	// First cosigner: k < m, so still incomplete.
	require.NoError(t, tx.Sign(keystores[0], config, testPassword))
	require.Equal(t, StatePartiallySigned, tx.State())
	require.Equal(t, 1, tx.SignatureCount())
	require.False(t, tx.IsComplete())

	// The same cosigner signing again changes nothing.
	require.NoError(t, tx.Sign(keystores[0], config, testPassword))
	require.Equal(t, 1, tx.SignatureCount())

	// Second distinct cosigner completes the transaction.
	require.NoError(t, tx.Sign(keystores[1], config, testPassword))
	require.True(t, tx.IsComplete())
	require.Equal(t, StateComplete, tx.State())

	// A third signature does not change completion state.
	require.NoError(t, tx.Sign(keystores[2], config, testPassword))
	require.True(t, tx.IsComplete())

	require.NoError(t, tx.VerifySignatures(config))

	final, err := tx.Finalize(config)
	require.NoError(t, err)

	// The script carries the redeem script as its final push.
	redeem, err := config.RedeemScript(0, 0)
	require.NoError(t, err)

	script := final.TxIn[0].SignatureScript
	require.Equal(t, redeem, script[len(script)-len(redeem):])
}

// TestPartialTransactionInterchange verifies a partially signed transaction
// survives serialization and the next cosigner can finish it from the
// deserialized form.
func TestPartialTransactionInterchange(t *testing.T) {
	t.Parallel()

	config, chains := newTestConfig(t, 2, 3)

	ks0, err := New(
		chains[0], keychain.DefaultPath(keychain.KindMultisig, 0),
		testPassword,
	)
	require.NoError(t, err)

	ks1, err := New(
		chains[1], keychain.DefaultPath(keychain.KindMultisig, 1),
		testPassword,
	)
	require.NoError(t, err)

	fundAddr, err := config.Address(0, 0)
	require.NoError(t, err)

	tx, err := NewSignedTransaction(
		newUnsignedTx(t, fundAddr),
		[]keychain.DerivationPath{{0, 0}}, config.RequiredSignatures,
	)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(ks0, config, testPassword))

	// Hand off out of band.
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	restored, err := DeserializeSignedTransaction(&buf)
	require.NoError(t, err)
	require.Equal(t, StatePartiallySigned, restored.State())
	require.Equal(t, 1, restored.SignatureCount())
	require.Equal(t, tx.Required(), restored.Required())

	// The second cosigner completes the restored transaction.
	require.NoError(t, restored.Sign(ks1, config, testPassword))
	require.True(t, restored.IsComplete())
	require.NoError(t, restored.VerifySignatures(config))

	_, err = restored.Finalize(config)
	require.NoError(t, err)
}

// TestQRTransportRoundTrip verifies the base43 QR rendering is an exact
// byte round trip of the interchange form.
func TestQRTransportRoundTrip(t *testing.T) {
	t.Parallel()

	config, chains := newTestConfig(t, 2, 3)

	ks, err := New(
		chains[0], keychain.DefaultPath(keychain.KindMultisig, 0),
		testPassword,
	)
	require.NoError(t, err)

	fundAddr, err := config.Address(0, 0)
	require.NoError(t, err)

	tx, err := NewSignedTransaction(
		newUnsignedTx(t, fundAddr),
		[]keychain.DerivationPath{{0, 0}}, config.RequiredSignatures,
	)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(ks, config, testPassword))

	text, err := tx.EncodeQR()
	require.NoError(t, err)

	restored, err := DecodeQR(text)
	require.NoError(t, err)

	var want, got bytes.Buffer
	require.NoError(t, tx.Serialize(&want))
	require.NoError(t, restored.Serialize(&got))
	require.Equal(t, want.Bytes(), got.Bytes())
}

// TestDeserializeRejectsGarbage verifies the typed interchange error.
func TestDeserializeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DeserializeSignedTransaction(
		bytes.NewReader([]byte("not a transaction")),
	)
	require.ErrorIs(t, err, ErrBadInterchange)

	_, err = DeserializeSignedTransaction(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrBadInterchange)

	_, err = DecodeQR("@@ not base43 @@")
	require.ErrorIs(t, err, ErrBadInterchange)
}

// TestKeyMismatchRejected verifies signing with a keystore outside the
// policy fails without mutating the signature set.
func TestKeyMismatchRejected(t *testing.T) {
	t.Parallel()

	config, _ := newTestConfig(t, 2, 3)

	// A chain that is not part of the policy.
	outsider := newCosignerChain(t, 0x42)
	ks, err := New(
		outsider, keychain.DefaultPath(keychain.KindMultisig, 0),
		testPassword,
	)
	require.NoError(t, err)

	fundAddr, err := config.Address(0, 0)
	require.NoError(t, err)

	tx, err := NewSignedTransaction(
		newUnsignedTx(t, fundAddr),
		[]keychain.DerivationPath{{0, 0}}, config.RequiredSignatures,
	)
	require.NoError(t, err)

	err = tx.Sign(ks, config, testPassword)
	require.ErrorIs(t, err, ErrKeyMismatch)
	require.Equal(t, StateUnsigned, tx.State())
	require.Equal(t, int64(9000), tx.MsgTx().TxOut[0].Value)
}
