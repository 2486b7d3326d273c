package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowmarket/storage"
)

// Manager reads and writes ledger state for a single operation. Writes are
// staged in memory and only reach the database on Commit, so a failed
// operation can be abandoned with Discard and leaves no trace.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
}

// NewManager creates a state manager staging writes over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string][]byte)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(hashed []byte) ([]byte, error) {
	if value, ok := m.pending[string(hashed)]; ok {
		return value, nil
	}
	if m.db == nil {
		return nil, nil
	}
	value, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) put(hashed []byte, value []byte) {
	m.pending[string(hashed)] = append([]byte(nil), value...)
}

// Pending reports the number of staged writes.
func (m *Manager) Pending() int {
	return len(m.pending)
}

// Commit flushes the staged writes to the database in one batch.
func (m *Manager) Commit() error {
	if len(m.pending) == 0 {
		return nil
	}
	if m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	if err := m.db.WriteBatch(m.pending); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.pending = make(map[string][]byte)
	return nil
}

// Discard drops every staged write.
func (m *Manager) Discard() {
	m.pending = make(map[string][]byte)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.put(kvKey(key), encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

const (
	listLength byte = iota + 1
	listEntry
	listMember
)

// listKey derives the key of one part of the list rooted at key. The root is
// length-prefixed so different roots never share parts.
func listKey(kind byte, key, suffix []byte) []byte {
	buf := make([]byte, 0, 5+len(key)+len(suffix))
	buf = append(buf, kind)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	return append(buf, suffix...)
}

func listSeq(i uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, i)
}

// KVAppend adds value to the list rooted at key. Every entry is stored under
// its own sequence key next to a length counter and a membership marker, so
// an append touches a fixed number of keys however long the list is.
// Duplicate values are ignored to keep the index deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	member := listKey(listMember, key, value)
	seen, err := m.KVGet(member, nil)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	lengthKey := listKey(listLength, key, nil)
	var length uint64
	if _, err := m.KVGet(lengthKey, &length); err != nil {
		return err
	}
	if err := m.KVPut(listKey(listEntry, key, listSeq(length)), value); err != nil {
		return err
	}
	if err := m.KVPut(member, true); err != nil {
		return err
	}
	return m.KVPut(lengthKey, length+1)
}

// KVList returns the values appended under key in insertion order. A missing
// list yields an empty, non-nil slice.
func (m *Manager) KVList(key []byte) ([][]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	var length uint64
	if _, err := m.KVGet(listKey(listLength, key, nil), &length); err != nil {
		return nil, err
	}
	out := make([][]byte, 0)
	for i := uint64(0); i < length; i++ {
		var entry []byte
		ok, err := m.KVGet(listKey(listEntry, key, listSeq(i)), &entry)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("kv: list entry %d of %d missing", i, length)
		}
		out = append(out, entry)
	}
	return out, nil
}
