// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/bchsuite/bchwallet/pkg/cashaddr"
	"github.com/bchsuite/bchwallet/txbuilder"
)

var (
	// ErrCorruptStorage is returned when a stored record fails to
	// parse. It is fatal for the affected wallet only: other open
	// wallets keep operating.
	ErrCorruptStorage = errors.New("corrupt wallet storage")
)

// Coin store bucket layout.
var (
	coinsBucketKey = []byte("coins")

	// utxoBucket maps a serialized outpoint to a coin record.
	utxoBucket = []byte("utxos")

	// frozenBucket holds serialized outpoints reserved by plugins or
	// frozen by the user. Frozen coins stay out of every selection.
	frozenBucket = []byte("frozen")
)

// coinStore persists the wallet's spendable output set.
type coinStore struct {
	db walletdb.DB
}

// openCoinStore opens (creating if necessary) the coin namespace.
func openCoinStore(db walletdb.DB) (*coinStore, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(coinsBucketKey)
		if err != nil {
			return err
		}

		for _, key := range [][]byte{utxoBucket, frozenBucket} {
			if _, err := ns.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &coinStore{db: db}, nil
}

// outPointKey serializes an outpoint as a bucket key.
func outPointKey(op wire.OutPoint) []byte {
	key := make([]byte, 36)
	copy(key[:32], op.Hash[:])
	binary.BigEndian.PutUint32(key[32:], op.Index)

	return key
}

// serializeCoin renders a coin record value:
//
//	value      8 bytes, big endian
//	kind       1 byte (address kind, token-aware in the high bit)
//	hash160   20 bytes
//	height     4 bytes, big endian
//	coinbase   1 byte
//	token      1 byte flag, then the serialized payload when set
func serializeCoin(coin *txbuilder.Coin) ([]byte, error) {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, uint64(coin.Value))

	kindByte := byte(coin.Address.Kind)
	if coin.Address.TokenAware {
		kindByte |= 0x80
	}
	buf.WriteByte(kindByte)
	buf.Write(coin.Address.Hash[:])

	binary.Write(&buf, binary.BigEndian, uint32(coin.Height))

	if coin.FromCoinBase {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	var tokenErr error
	if coin.Token.IsSome() {
		buf.WriteByte(1)
		coin.Token.WhenSome(func(t txbuilder.TokenPayload) {
			tokenErr = t.Serialize(&buf)
		})
	} else {
		buf.WriteByte(0)
	}
	if tokenErr != nil {
		return nil, tokenErr
	}

	return buf.Bytes(), nil
}

// deserializeCoin parses a coin from its bucket key and value.
func deserializeCoin(key, value []byte) (txbuilder.Coin, error) {
	var coin txbuilder.Coin

	if len(key) != 36 || len(value) < 8+1+20+4+1+1 {
		return coin, fmt.Errorf("%w: coin record size",
			ErrCorruptStorage)
	}

	copy(coin.OutPoint.Hash[:], key[:32])
	coin.OutPoint.Index = binary.BigEndian.Uint32(key[32:])

	coin.Value = btcutil.Amount(binary.BigEndian.Uint64(value[:8]))

	kindByte := value[8]
	addr, err := cashaddr.NewAddress(
		value[9:29], cashaddr.Kind(kindByte&0x7f), kindByte&0x80 != 0,
	)
	if err != nil {
		return coin, fmt.Errorf("%w: %v", ErrCorruptStorage, err)
	}
	coin.Address = addr

	coin.Height = int32(binary.BigEndian.Uint32(value[29:33]))
	coin.FromCoinBase = value[33] == 1

	if value[34] == 1 {
		var token txbuilder.TokenPayload
		err := token.Deserialize(bytes.NewReader(value[35:]))
		if err != nil {
			return coin, fmt.Errorf("%w: %v", ErrCorruptStorage,
				err)
		}

		coin.Token = fn.Some(token)
	}

	return coin, nil
}

// AddCoin records a new spendable output. Called when a transaction paying
// a wallet address is observed.
func (s *coinStore) AddCoin(coin *txbuilder.Coin) error {
	value, err := serializeCoin(coin)
	if err != nil {
		return err
	}

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		utxos, err := s.utxoBucket(tx)
		if err != nil {
			return err
		}

		return utxos.Put(outPointKey(coin.OutPoint), value)
	})
}

// RemoveCoin deletes a spent output. Removing an unknown outpoint is a
// no-op so replayed notifications stay harmless.
func (s *coinStore) RemoveCoin(op wire.OutPoint) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(coinsBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		key := outPointKey(op)

		if frozen := ns.NestedReadWriteBucket(frozenBucket); frozen != nil {
			if err := frozen.Delete(key); err != nil {
				return err
			}
		}

		utxos := ns.NestedReadWriteBucket(utxoBucket)
		if utxos == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return utxos.Delete(key)
	})
}

// ListCoins returns every stored coin with confirmations computed against
// tipHeight.
func (s *coinStore) ListCoins(tipHeight int32) ([]txbuilder.Coin, error) {
	var coins []txbuilder.Coin

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(coinsBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		utxos := ns.NestedReadBucket(utxoBucket)
		if utxos == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return utxos.ForEach(func(k, v []byte) error {
			coin, err := deserializeCoin(k, v)
			if err != nil {
				return err
			}

			if coin.Height > 0 && coin.Height <= tipHeight {
				coin.Confirmations = uint32(
					tipHeight - coin.Height + 1,
				)
			}

			coins = append(coins, coin)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return coins, nil
}

// Freeze reserves an outpoint so no selection can spend it.
func (s *coinStore) Freeze(op wire.OutPoint) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(coinsBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		frozen := ns.NestedReadWriteBucket(frozenBucket)
		if frozen == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return frozen.Put(outPointKey(op), []byte{})
	})
}

// Unfreeze releases a previously frozen outpoint.
func (s *coinStore) Unfreeze(op wire.OutPoint) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(coinsBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		frozen := ns.NestedReadWriteBucket(frozenBucket)
		if frozen == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return frozen.Delete(outPointKey(op))
	})
}

// FrozenOutPoints returns the reserved outpoint set.
func (s *coinStore) FrozenOutPoints() (map[wire.OutPoint]struct{}, error) {
	frozenSet := make(map[wire.OutPoint]struct{})

	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(coinsBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		frozen := ns.NestedReadBucket(frozenBucket)
		if frozen == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return frozen.ForEach(func(k, _ []byte) error {
			if len(k) != 36 {
				return fmt.Errorf("%w: frozen key size",
					ErrCorruptStorage)
			}

			var op wire.OutPoint
			copy(op.Hash[:], k[:32])
			op.Index = binary.BigEndian.Uint32(k[32:])

			frozenSet[op] = struct{}{}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return frozenSet, nil
}

// utxoBucket fetches the utxo bucket inside a write transaction.
func (s *coinStore) utxoBucket(tx walletdb.ReadWriteTx) (
	walletdb.ReadWriteBucket, error) {

	ns := tx.ReadWriteBucket(coinsBucketKey)
	if ns == nil {
		return nil, fmt.Errorf("%w: missing namespace",
			ErrCorruptStorage)
	}

	utxos := ns.NestedReadWriteBucket(utxoBucket)
	if utxos == nil {
		return nil, fmt.Errorf("%w: missing buckets",
			ErrCorruptStorage)
	}

	return utxos, nil
}

// outPointFromParts is a test and notification helper building an outpoint
// from a txid and output index.
func outPointFromParts(txid chainhash.Hash, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: txid, Index: index}
}
