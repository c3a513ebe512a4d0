// Package state persists engine snapshots to a key-value database. Every
// value is RLP encoded; keys are grouped by engine so a daemon can list the
// markets it has to bring back on startup.
package state

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"cdpledger/native/market"
	"cdpledger/native/strategy"
	"cdpledger/native/token"
	"cdpledger/native/vault"
	"cdpledger/storage"
)

// SchemaVersion is bumped whenever a persisted layout changes shape.
const SchemaVersion = uint64(1)

var (
	ErrUninitialised = errors.New("state: store uninitialised")
	ErrSchema        = errors.New("state: unsupported schema version")
)

var (
	versionKey   = []byte("meta/version")
	ledgerKey    = []byte("ledger")
	vaultKey     = []byte("vault")
	marketPrefix = []byte("market/")
	rewardPrefix = []byte("rewards/")
	farmPrefix   = []byte("farm/")
)

// Store reads and writes engine snapshots. A Store handed to an Update
// callback buffers its writes in a batch.
type Store struct {
	db    storage.Database
	batch storage.Batch
}

// New creates a state store backed by db.
func New(db storage.Database) *Store {
	return &Store{db: db}
}

func addrKey(prefix []byte, addr common.Address) []byte {
	key := make([]byte, 0, len(prefix)+common.AddressLength)
	key = append(key, prefix...)
	return append(key, addr.Bytes()...)
}

func (s *Store) put(key []byte, v interface{}) error {
	if s == nil || s.db == nil {
		return ErrUninitialised
	}
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if s.batch != nil {
		s.batch.Put(key, encoded)
		return nil
	}
	return s.db.Put(key, encoded)
}

// Update runs fn against a store whose writes land in one batch, committed
// only when fn succeeds. Reads inside fn see the database as it was before
// the batch.
func (s *Store) Update(fn func(tx *Store) error) error {
	if s == nil || s.db == nil {
		return ErrUninitialised
	}
	if s.batch != nil {
		return fn(s)
	}
	tx := &Store{db: s.db, batch: s.db.NewBatch()}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.batch.Write()
}

// get decodes the value at key into v. It reports false when nothing has been
// written there yet.
func (s *Store) get(key []byte, v interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrUninitialised
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, v); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// CheckVersion stamps an empty database with SchemaVersion and rejects one
// written by a different layout.
func (s *Store) CheckVersion() error {
	var version uint64
	ok, err := s.get(versionKey, &version)
	if err != nil {
		return err
	}
	if !ok {
		return s.put(versionKey, SchemaVersion)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchema, version)
	}
	return nil
}

func (s *Store) SaveLedger(st token.State) error { return s.put(ledgerKey, st) }

func (s *Store) LoadLedger() (token.State, bool, error) {
	var st token.State
	ok, err := s.get(ledgerKey, &st)
	return st, ok, err
}

func (s *Store) SaveVault(st vault.State) error { return s.put(vaultKey, st) }

func (s *Store) LoadVault() (vault.State, bool, error) {
	var st vault.State
	ok, err := s.get(vaultKey, &st)
	return st, ok, err
}

func (s *Store) SaveMarket(addr common.Address, st market.State) error {
	return s.put(addrKey(marketPrefix, addr), st)
}

func (s *Store) LoadMarket(addr common.Address) (market.State, bool, error) {
	var st market.State
	ok, err := s.get(addrKey(marketPrefix, addr), &st)
	return st, ok, err
}

// Markets lists every market with a persisted snapshot in address order.
func (s *Store) Markets() ([]common.Address, error) {
	if s == nil || s.db == nil {
		return nil, ErrUninitialised
	}
	keys, err := s.db.Keys(marketPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(keys))
	for _, key := range keys {
		raw := bytes.TrimPrefix(key, marketPrefix)
		if len(raw) != common.AddressLength {
			return nil, fmt.Errorf("state: malformed market key %x", key)
		}
		out = append(out, common.BytesToAddress(raw))
	}
	return out, nil
}

func (s *Store) DeleteMarket(addr common.Address) error {
	if s == nil || s.db == nil {
		return ErrUninitialised
	}
	key := addrKey(marketPrefix, addr)
	if s.batch != nil {
		s.batch.Delete(key)
		return nil
	}
	return s.db.Delete(key)
}

// SaveRewards persists the reward ledger of the strategy at addr.
func (s *Store) SaveRewards(addr common.Address, st strategy.LedgerState) error {
	return s.put(addrKey(rewardPrefix, addr), st)
}

func (s *Store) LoadRewards(addr common.Address) (strategy.LedgerState, bool, error) {
	var st strategy.LedgerState
	ok, err := s.get(addrKey(rewardPrefix, addr), &st)
	return st, ok, err
}

func (s *Store) SaveFarm(addr common.Address, st strategy.FarmState) error {
	return s.put(addrKey(farmPrefix, addr), st)
}

func (s *Store) LoadFarm(addr common.Address) (strategy.FarmState, bool, error) {
	var st strategy.FarmState
	ok, err := s.get(addrKey(farmPrefix, addr), &st)
	return st, ok, err
}
