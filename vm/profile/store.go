package profile

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("profile: unknown backend")

// Store persists anchor records.
type Store interface {
	// Load returns the record saved under k. ok is false when there is
	// none.
	Load(k Key) (rec *Record, ok bool, err error)
	Save(k Key, rec *Record) error

	// All returns every record ordered by routine and offset.
	All() ([]*Record, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open opens the named backend at path. The memory backend ignores path.
func Open(backend, path string) (Store, error) {
	log.Debugf("open %s store at %q", backend, path)
	switch backend {
	case BackendPebble:
		return OpenPebble(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendMemory, "":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

var log = commonlog.GetLogger("metavm.profile")

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// Memory keeps encoded records in a map.
type Memory struct {
	mu      sync.Mutex
	records map[Key][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[Key][]byte)}
}

func (m *Memory) Load(k Key) (*Record, bool, error) {
	m.mu.Lock()
	data, ok := m.records[k]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (m *Memory) Save(k Key, rec *Record) error {
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.records[k] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) All() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, data := range m.records {
		rec, err := UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
