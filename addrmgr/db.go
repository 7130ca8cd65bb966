// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
)

// Serialized record layout:
//
//	hash160   20 bytes
//	kind       1 byte, address kind, high bit set when token aware
//	txCount    4 bytes, big endian
//	confirmed  8 bytes, big endian
//	unconf     8 bytes, big endian
//	immature   8 bytes, big endian
//	pathLen    1 byte
//	path       4 bytes per component, big endian
const recordFixedSize = 20 + 1 + 4 + 8 + 8 + 8 + 1

// indexKey builds the byindex bucket key: branch || index, both big endian
// so iteration order matches derivation order.
func indexKey(branch Branch, index uint32) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint32(key[:4], uint32(branch))
	binary.BigEndian.PutUint32(key[4:], index)

	return key
}

// uint32Bytes encodes v big endian.
func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return b[:]
}

// readUint32 decodes a stored counter, treating a missing value as zero.
func readUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

// serializeRecord renders a ManagedAddress record value.
func serializeRecord(record *ManagedAddress) []byte {
	buf := make([]byte, 0, recordFixedSize+4*len(record.Path))

	buf = append(buf, record.Address.Hash[:]...)

	kindByte := byte(record.Address.Kind)
	if record.Address.TokenAware {
		kindByte |= 0x80
	}
	buf = append(buf, kindByte)

	buf = binary.BigEndian.AppendUint32(buf, record.TxCount)
	buf = binary.BigEndian.AppendUint64(
		buf, uint64(record.Balance.Confirmed),
	)
	buf = binary.BigEndian.AppendUint64(
		buf, uint64(record.Balance.Unconfirmed),
	)
	buf = binary.BigEndian.AppendUint64(
		buf, uint64(record.Balance.Immature),
	)

	buf = append(buf, byte(len(record.Path)))
	for _, child := range record.Path {
		buf = binary.BigEndian.AppendUint32(buf, child)
	}

	return buf
}

// deserializeRecord parses a record from its bucket key and value. Parse
// failures surface as ErrCorruptStorage.
func deserializeRecord(key, value []byte) (*ManagedAddress, error) {
	if len(key) != 8 || len(value) < recordFixedSize {
		return nil, fmt.Errorf("%w: record key/value size",
			ErrCorruptStorage)
	}

	record := &ManagedAddress{
		Branch: Branch(binary.BigEndian.Uint32(key[:4])),
		Index:  binary.BigEndian.Uint32(key[4:]),
	}

	kindByte := value[20]
	addr, err := cashaddr.NewAddress(
		value[:20], cashaddr.Kind(kindByte&0x7f), kindByte&0x80 != 0,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStorage, err)
	}
	record.Address = addr

	record.TxCount = binary.BigEndian.Uint32(value[21:25])
	record.Balance = Balance{
		Confirmed: btcutil.Amount(
			binary.BigEndian.Uint64(value[25:33]),
		),
		Unconfirmed: btcutil.Amount(
			binary.BigEndian.Uint64(value[33:41]),
		),
		Immature: btcutil.Amount(
			binary.BigEndian.Uint64(value[41:49]),
		),
	}

	pathLen := int(value[49])
	if len(value) != recordFixedSize+4*pathLen {
		return nil, fmt.Errorf("%w: record path size",
			ErrCorruptStorage)
	}

	record.Path = make(keychain.DerivationPath, pathLen)
	for i := 0; i < pathLen; i++ {
		record.Path[i] = binary.BigEndian.Uint32(
			value[recordFixedSize+4*i:],
		)
	}

	return record, nil
}

// putRecord writes the record to both buckets.
func putRecord(byIndex, byHash walletdb.ReadWriteBucket,
	record *ManagedAddress) error {

	key := indexKey(record.Branch, record.Index)

	if err := byIndex.Put(key, serializeRecord(record)); err != nil {
		return err
	}

	return byHash.Put(record.Address.Hash[:], key)
}

// getRecord reads the record stored under key.
func getRecord(byIndex walletdb.ReadBucket, key []byte) (*ManagedAddress,
	error) {

	value := byIndex.Get(key)
	if value == nil {
		return nil, ErrAddressNotFound
	}

	return deserializeRecord(key, value)
}

// highestUsedIndex scans the branch for the highest index with a non-zero
// transaction count.
func highestUsedIndex(byIndex walletdb.ReadBucket, branch Branch) (uint32,
	bool, error) {

	var (
		highest uint32
		found   bool
	)

	err := byIndex.ForEach(func(k, v []byte) error {
		if len(k) != 8 {
			return fmt.Errorf("%w: record key size",
				ErrCorruptStorage)
		}
		if Branch(binary.BigEndian.Uint32(k[:4])) != branch {
			return nil
		}

		record, err := deserializeRecord(k, v)
		if err != nil {
			return err
		}

		if record.Used() && (!found || record.Index > highest) {
			highest = record.Index
			found = true
		}

		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return highest, found, nil
}
