// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// sigHashAllForkID is the only signature hash type the wallet produces:
// SIGHASH_ALL combined with SIGHASH_FORKID, which commits signatures to the
// Bitcoin Cash chain and to the spent amount.
const sigHashAllForkID = 0x41

// sigHashes caches the three midstate hashes shared by every input of a
// transaction, so per-input digests cost a constant amount of hashing.
type sigHashes struct {
	prevouts chainhash.Hash
	sequence chainhash.Hash
	outputs  chainhash.Hash
}

// newSigHashes computes the shared midstates for tx.
func newSigHashes(tx *wire.MsgTx) *sigHashes {
	var buf bytes.Buffer

	for _, in := range tx.TxIn {
		buf.Write(in.PreviousOutPoint.Hash[:])
		binary.Write(&buf, binary.LittleEndian,
			in.PreviousOutPoint.Index)
	}
	prevouts := chainhash.DoubleHashH(buf.Bytes())

	buf.Reset()
	for _, in := range tx.TxIn {
		binary.Write(&buf, binary.LittleEndian, in.Sequence)
	}
	sequence := chainhash.DoubleHashH(buf.Bytes())

	buf.Reset()
	for _, out := range tx.TxOut {
		binary.Write(&buf, binary.LittleEndian, uint64(out.Value))
		wire.WriteVarBytes(&buf, 0, out.PkScript)
	}
	outputs := chainhash.DoubleHashH(buf.Bytes())

	return &sigHashes{
		prevouts: prevouts,
		sequence: sequence,
		outputs:  outputs,
	}
}

// digest computes the signature digest for input idx spending value through
// scriptCode. This is the replay-protected sighash: the preimage commits to
// the spent amount and carries the fork id in its hash type.
func (h *sigHashes) digest(tx *wire.MsgTx, idx int, scriptCode []byte,
	value btcutil.Amount) chainhash.Hash {

	var buf bytes.Buffer

	binary.Write(&buf, binary.LittleEndian, uint32(tx.Version))
	buf.Write(h.prevouts[:])
	buf.Write(h.sequence[:])

	in := tx.TxIn[idx]
	buf.Write(in.PreviousOutPoint.Hash[:])
	binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index)

	wire.WriteVarBytes(&buf, 0, scriptCode)
	binary.Write(&buf, binary.LittleEndian, uint64(value))
	binary.Write(&buf, binary.LittleEndian, in.Sequence)

	buf.Write(h.outputs[:])
	binary.Write(&buf, binary.LittleEndian, uint32(tx.LockTime))
	binary.Write(&buf, binary.LittleEndian, uint32(sigHashAllForkID))

	return chainhash.DoubleHashH(buf.Bytes())
}
