package profile

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var anchorPrefix = []byte("anchor/")

// Pebble stores records in a pebble database under "anchor/" + key.
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens or creates the database in dir. An empty dir opens an
// in-memory database.
func OpenPebble(dir string) (*Pebble, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("profile: open pebble %q: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

func pebbleKey(k Key) []byte {
	return append(append([]byte(nil), anchorPrefix...), k[:]...)
}

func (p *Pebble) Load(k Key) (*Record, bool, error) {
	data, closer, err := p.db.Get(pebbleKey(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (p *Pebble) Save(k Key, rec *Record) error {
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	return p.db.Set(pebbleKey(k), data, pebble.Sync)
}

func (p *Pebble) All() ([]*Record, error) {
	upper := append([]byte(nil), anchorPrefix...)
	upper[len(upper)-1]++
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: anchorPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Record
	for iter.First(); iter.Valid(); iter.Next() {
		// UnmarshalRecord copies what it keeps; the iterator's value
		// buffer is reused on Next.
		rec, err := UnmarshalRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}
