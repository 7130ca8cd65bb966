// Copyright (c) 2025 The bchsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrmgr tracks the wallet's receiving and change addresses, their
// derivation indices, and per-address usage and balance state. Indices are
// persisted so an index handed out once is never reissued, even across
// restarts.
package addrmgr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"

	"github.com/bchsuite/bchwallet/keychain"
	"github.com/bchsuite/bchwallet/pkg/cashaddr"
)

var (
	// ErrExhaustedGap is returned when every address in the look-ahead
	// window is already issued and unused, so issuing another would
	// break deterministic recovery.
	ErrExhaustedGap = errors.New("address gap limit exhausted")

	// ErrAddressNotFound is returned when an address is not tracked by
	// the registry.
	ErrAddressNotFound = errors.New("address not found")

	// ErrCorruptStorage is returned when a stored record fails to parse.
	// It is fatal for the affected wallet only.
	ErrCorruptStorage = errors.New("corrupt address storage")
)

// Branch selects the receiving or change chain of the account.
type Branch uint32

const (
	// ReceivingBranch is the external chain handed out to payers.
	ReceivingBranch Branch = 0

	// ChangeBranch is the internal chain change outputs return to.
	ChangeBranch Branch = 1
)

// Gap limits per branch: how many consecutive unused addresses may be
// issued past the highest used index before allocation refuses.
const (
	receivingGapLimit = 20
	changeGapLimit    = 6
)

// gapLimit returns the look-ahead window for a branch.
func (b Branch) gapLimit() uint32 {
	if b == ChangeBranch {
		return changeGapLimit
	}

	return receivingGapLimit
}

// Balance is the three-way balance split the registry tracks per address.
type Balance struct {
	// Confirmed is value buried under at least one confirmation.
	Confirmed btcutil.Amount

	// Unconfirmed is value still in the mempool.
	Unconfirmed btcutil.Amount

	// Immature is coinbase value that has not cleared maturity.
	Immature btcutil.Amount
}

// Total returns the sum of all three components.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed + b.Immature
}

// ManagedAddress is one issued address with its bookkeeping state.
type ManagedAddress struct {
	// Address is the derived cashaddr.
	Address cashaddr.Address

	// Path is the full derivation path from the master key.
	Path keychain.DerivationPath

	// Branch is the chain this address belongs to.
	Branch Branch

	// Index is the child index on the branch.
	Index uint32

	// TxCount is the number of transactions touching the address. Zero
	// means unused.
	TxCount uint32

	// Balance is the current balance split.
	Balance Balance
}

// Used reports whether any transaction has touched the address.
func (m *ManagedAddress) Used() bool {
	return m.TxCount > 0
}

// Deriver produces the address for a branch/index slot. Single-signer
// wallets derive P2PKH addresses from a key chain; multisig wallets derive
// P2SH script addresses from their cosigner policy.
type Deriver interface {
	// DeriveAddress returns the address at branch/index. The result
	// must be deterministic.
	DeriveAddress(branch, index uint32) (cashaddr.Address, error)
}

// KeyChainDeriver derives P2PKH addresses from the account node of a key
// chain. The chain only needs its public branch.
type KeyChainDeriver struct {
	// Chain is the key tree.
	Chain *keychain.KeyChain

	// AccountPath locates the account node under the master key.
	AccountPath keychain.DerivationPath
}

// A compile-time assertion that KeyChainDeriver satisfies Deriver.
var _ Deriver = (*KeyChainDeriver)(nil)

// DeriveAddress derives hash160(pubkey) at account/branch/index.
func (d *KeyChainDeriver) DeriveAddress(branch, index uint32) (
	cashaddr.Address, error) {

	material, err := d.Chain.DerivePub(
		d.AccountPath.Extend(branch, index),
	)
	if err != nil {
		return cashaddr.Address{}, err
	}

	return cashaddr.NewAddress(
		material.Hash160[:], cashaddr.KindP2PKH, false,
	)
}

// Registry owns the address state for one account. All mutation goes
// through walletdb transactions, so concurrent callers serialize on the
// database.
type Registry struct {
	db          walletdb.DB
	deriver     Deriver
	accountPath keychain.DerivationPath
}

// Bucket layout under the registry namespace.
var (
	registryBucketKey = []byte("addrreg")

	// byIndexBucket maps branch||index to a serialized address record.
	byIndexBucket = []byte("byindex")

	// byHashBucket maps hash160 to branch||index for reverse lookup.
	byHashBucket = []byte("byhash")

	// metaBucket stores the per-branch next-issued counters.
	metaBucket = []byte("meta")
)

// nextIssuedKey returns the meta key holding the next index to issue on a
// branch.
func nextIssuedKey(branch Branch) []byte {
	return []byte(fmt.Sprintf("next_issued_%d", branch))
}

// Open opens (creating if necessary) the registry namespace in db. Address
// derivation goes through deriver and never touches private material.
// accountPath is recorded with each issued address so signers can locate
// their keys.
func Open(db walletdb.DB, deriver Deriver,
	accountPath keychain.DerivationPath) (*Registry, error) {

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(registryBucketKey)
		if err != nil {
			return err
		}

		for _, key := range [][]byte{
			byIndexBucket, byHashBucket, metaBucket,
		} {
			if _, err := ns.CreateBucketIfNotExists(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		db:          db,
		deriver:     deriver,
		accountPath: accountPath,
	}, nil
}

// AllocateReceiving issues the next receiving address. The issued index is
// persisted before the address is returned, so a crash cannot cause reuse.
func (r *Registry) AllocateReceiving() (*ManagedAddress, error) {
	return r.allocate(ReceivingBranch)
}

// AllocateChange issues the next change address on the internal branch.
func (r *Registry) AllocateChange() (*ManagedAddress, error) {
	return r.allocate(ChangeBranch)
}

// allocate issues the next index on branch, enforcing the gap limit: the
// next index must lie within gapLimit of the highest used index.
func (r *Registry) allocate(branch Branch) (*ManagedAddress, error) {
	var addr *ManagedAddress

	err := walletdb.Update(r.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(registryBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		meta := ns.NestedReadWriteBucket(metaBucket)
		byIndex := ns.NestedReadWriteBucket(byIndexBucket)
		byHash := ns.NestedReadWriteBucket(byHashBucket)
		if meta == nil || byIndex == nil || byHash == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		next := readUint32(meta.Get(nextIssuedKey(branch)))

		highestUsed, anyUsed, err := highestUsedIndex(byIndex, branch)
		if err != nil {
			return err
		}

		// The window starts at zero until the first use is seen.
		windowEnd := branch.gapLimit()
		if anyUsed {
			windowEnd = highestUsed + 1 + branch.gapLimit()
		}
		if next >= windowEnd {
			return ErrExhaustedGap
		}

		derived, err := r.deriver.DeriveAddress(uint32(branch), next)
		if err != nil {
			return err
		}

		record := &ManagedAddress{
			Address: derived,
			Path:    r.path(branch, next),
			Branch:  branch,
			Index:   next,
		}

		if err := putRecord(byIndex, byHash, record); err != nil {
			return err
		}

		err = meta.Put(nextIssuedKey(branch), uint32Bytes(next+1))
		if err != nil {
			return err
		}

		addr = record

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Issued %v address at index %d", branch, addr.Index)

	return addr, nil
}

// path returns the derivation path for branch/index under the account.
func (r *Registry) path(branch Branch, index uint32) keychain.DerivationPath {
	return r.accountPath.Extend(uint32(branch), index)
}

// IsChange reports whether addr belongs to the internal change branch.
// Unknown addresses report false.
func (r *Registry) IsChange(addr cashaddr.Address) (bool, error) {
	record, err := r.Lookup(addr)
	if errors.Is(err, ErrAddressNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return record.Branch == ChangeBranch, nil
}

// Lookup fetches the record for addr.
func (r *Registry) Lookup(addr cashaddr.Address) (*ManagedAddress, error) {
	var record *ManagedAddress

	err := walletdb.View(r.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(registryBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		byHash := ns.NestedReadBucket(byHashBucket)
		byIndex := ns.NestedReadBucket(byIndexBucket)
		if byHash == nil || byIndex == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		indexKey := byHash.Get(addr.Hash[:])
		if indexKey == nil {
			return ErrAddressNotFound
		}

		var err error
		record, err = getRecord(byIndex, indexKey)

		return err
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// Balance returns the balance split tracked for addr.
func (r *Registry) Balance(addr cashaddr.Address) (Balance, error) {
	record, err := r.Lookup(addr)
	if err != nil {
		return Balance{}, err
	}

	return record.Balance, nil
}

// TotalBalance sums the balance split over every tracked address.
func (r *Registry) TotalBalance() (Balance, error) {
	var total Balance

	err := walletdb.View(r.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(registryBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		byIndex := ns.NestedReadBucket(byIndexBucket)
		if byIndex == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return byIndex.ForEach(func(k, v []byte) error {
			record, err := deserializeRecord(k, v)
			if err != nil {
				return err
			}

			total.Confirmed += record.Balance.Confirmed
			total.Unconfirmed += record.Balance.Unconfirmed
			total.Immature += record.Balance.Immature

			return nil
		})
	})
	if err != nil {
		return Balance{}, err
	}

	return total, nil
}

// MarkUsed increments the transaction counter and replaces the stored
// balance split for addr. Called by the wallet whenever a transaction
// touching the address is observed.
func (r *Registry) MarkUsed(addr cashaddr.Address, balance Balance) error {
	return walletdb.Update(r.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(registryBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		byHash := ns.NestedReadWriteBucket(byHashBucket)
		byIndex := ns.NestedReadWriteBucket(byIndexBucket)
		if byHash == nil || byIndex == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		indexKey := byHash.Get(addr.Hash[:])
		if indexKey == nil {
			return ErrAddressNotFound
		}

		record, err := getRecord(byIndex, indexKey)
		if err != nil {
			return err
		}

		record.TxCount++
		record.Balance = balance

		return putRecord(byIndex, byHash, record)
	})
}

// ListAddresses returns every issued address on branch, ordered by index.
func (r *Registry) ListAddresses(branch Branch) ([]*ManagedAddress, error) {
	var records []*ManagedAddress

	err := walletdb.View(r.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(registryBucketKey)
		if ns == nil {
			return fmt.Errorf("%w: missing namespace",
				ErrCorruptStorage)
		}

		byIndex := ns.NestedReadBucket(byIndexBucket)
		if byIndex == nil {
			return fmt.Errorf("%w: missing buckets",
				ErrCorruptStorage)
		}

		return byIndex.ForEach(func(k, v []byte) error {
			if Branch(binary.BigEndian.Uint32(k[:4])) != branch {
				return nil
			}

			record, err := deserializeRecord(k, v)
			if err != nil {
				return err
			}

			records = append(records, record)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// FirstUnused returns the earliest issued-but-unused address on branch, or
// issues a fresh one when all issued addresses have been used.
func (r *Registry) FirstUnused(branch Branch) (*ManagedAddress, error) {
	records, err := r.ListAddresses(branch)
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		if !record.Used() {
			return record, nil
		}
	}

	return r.allocate(branch)
}

// String implements fmt.Stringer.
func (b Branch) String() string {
	if b == ChangeBranch {
		return "change"
	}

	return "receiving"
}
