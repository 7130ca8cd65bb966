// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/bchsuite/bchwallet/pkg/base43"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
)

// Interchange framing for partially signed transactions. The format is
// self-contained: it carries the unsigned wire transaction, each input's
// spend data, and all signature shares collected so far, so the next
// cosigner can verify and sign with no other context.
var ptxMagic = [4]byte{'b', 'p', 't', 'x'}

const ptxVersion = 1

var (
	// ErrBadInterchange is returned when a serialized partially signed
	// transaction fails to parse.
	ErrBadInterchange = errors.New("malformed partial transaction")
)

// Serialize writes the transaction and its signature shares to w.
func (t *SignedTransaction) Serialize(w io.Writer) error {
	if _, err := w.Write(ptxMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{ptxVersion, byte(t.required)}); err != nil {
		return err
	}

	if err := t.tx.Serialize(w); err != nil {
		return err
	}

	for i := range t.inputs {
		if err := t.serializeInput(w, i); err != nil {
			return err
		}
	}

	return nil
}

// serializeInput writes one input's spend data and signatures.
func (t *SignedTransaction) serializeInput(w io.Writer, i int) error {
	in := &t.inputs[i]

	var fixed [8 + 1 + 20 + 4 + 4]byte
	binary.BigEndian.PutUint64(fixed[:8], uint64(in.value))

	kindByte := byte(in.address.Kind)
	if in.address.TokenAware {
		kindByte |= 0x80
	}
	fixed[8] = kindByte

	copy(fixed[9:29], in.address.Hash[:])
	binary.BigEndian.PutUint32(fixed[29:33], in.branch)
	binary.BigEndian.PutUint32(fixed[33:37], in.index)

	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}

	pubs := t.signerPubKeys(i)
	if _, err := w.Write([]byte{byte(len(pubs))}); err != nil {
		return err
	}

	for _, pub := range pubs {
		sig := in.sigs[pub]

		if _, err := w.Write(pub[:]); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(len(sig))}); err != nil {
			return err
		}
		if _, err := w.Write(sig); err != nil {
			return err
		}
	}

	return nil
}

// EncodeQR renders the transaction as base43 text for QR transport between
// cosigner devices. Base43's alphabet fits the alphanumeric QR mode, which
// packs noticeably denser than byte mode.
func (t *SignedTransaction) EncodeQR() (string, error) {
	var buf bytes.Buffer
	if err := t.Serialize(&buf); err != nil {
		return "", err
	}

	return base43.Encode(buf.Bytes()), nil
}

// DecodeQR parses a transaction previously rendered by EncodeQR.
func DecodeQR(text string) (*SignedTransaction, error) {
	data, err := base43.Decode(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterchange, err)
	}

	return DeserializeSignedTransaction(bytes.NewReader(data))
}

// DeserializeSignedTransaction parses a transaction previously written by
// Serialize.
func DeserializeSignedTransaction(r io.Reader) (*SignedTransaction, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterchange, err)
	}

	if [4]byte(header[:4]) != ptxMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadInterchange)
	}
	if header[4] != ptxVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadInterchange,
			header[4])
	}

	required := int(header[5])
	if required < 1 {
		return nil, fmt.Errorf("%w: zero signatures required",
			ErrBadInterchange)
	}

	tx := wire.NewMsgTx(0)
	if err := tx.Deserialize(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterchange, err)
	}

	inputs := make([]signedInput, len(tx.TxIn))
	for i := range inputs {
		in, err := deserializeInput(r)
		if err != nil {
			return nil, err
		}

		inputs[i] = *in
	}

	return &SignedTransaction{
		required: required,
		tx:       tx,
		inputs:   inputs,
	}, nil
}

// deserializeInput reads one input's spend data and signatures.
func deserializeInput(r io.Reader) (*signedInput, error) {
	var fixed [8 + 1 + 20 + 4 + 4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterchange, err)
	}

	kindByte := fixed[8]
	addr, err := cashaddr.NewAddress(
		fixed[9:29], cashaddr.Kind(kindByte&0x7f), kindByte&0x80 != 0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterchange, err)
	}

	in := &signedInput{
		value:   btcutil.Amount(binary.BigEndian.Uint64(fixed[:8])),
		address: addr,
		branch:  binary.BigEndian.Uint32(fixed[29:33]),
		index:   binary.BigEndian.Uint32(fixed[33:37]),
		sigs:    make(map[pubKeyBytes][]byte),
	}

	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInterchange, err)
	}

	for s := 0; s < int(count[0]); s++ {
		var pub pubKeyBytes
		if _, err := io.ReadFull(r, pub[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInterchange,
				err)
		}

		var sigLen [1]byte
		if _, err := io.ReadFull(r, sigLen[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInterchange,
				err)
		}

		sig := make([]byte, sigLen[0])
		if _, err := io.ReadFull(r, sig); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadInterchange,
				err)
		}

		in.sigs[pub] = sig
	}

	return in, nil
}
