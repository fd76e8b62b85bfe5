// Package profile persists anchor profiles between runs. A Record holds the
// counters of one loop anchor; records are CBOR-encoded and keyed by a
// fingerprint of the routine and the anchor offset, so an edited routine
// starts with fresh counters.
package profile

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/chazu/metavm/vm"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Record is the persisted profile of one anchor.
type Record struct {
	Routine     string   `cbor:"1,keyasint"` // routine signature
	PC          int      `cbor:"2,keyasint"`
	Visits      uint64   `cbor:"3,keyasint"`
	Recordings  uint64   `cbor:"4,keyasint"`
	Failures    uint64   `cbor:"5,keyasint"`
	Blacklisted bool     `cbor:"6,keyasint"`
	Shape       []string `cbor:"7,keyasint,omitempty"` // kind names of the entry slots
	TraceLength int      `cbor:"8,keyasint,omitempty"`
	Guards      int      `cbor:"9,keyasint,omitempty"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@%d", r.Routine, r.PC)
}

// Key identifies an anchor across runs.
type Key [32]byte

// KeyFor fingerprints loc: the routine signature and code plus the offset.
func KeyFor(loc vm.Location) Key {
	var pc [4]byte
	binary.BigEndian.PutUint32(pc[:], uint32(loc.PC))
	data := []byte(loc.Routine.Signature())
	data = append(data, 0)
	data = append(data, loc.Routine.Code...)
	data = append(data, pc[:]...)
	return blake2b.Sum256(data)
}

func (k Key) String() string {
	return hex.EncodeToString(k[:8])
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborEncMode = em
}

// MarshalRecord encodes r in canonical CBOR.
func MarshalRecord(r *Record) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRecord decodes a record.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("profile: decode record: %w", err)
	}
	return &r, nil
}

// sortRecords orders records by routine, then offset.
func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Routine != recs[j].Routine {
			return recs[i].Routine < recs[j].Routine
		}
		return recs[i].PC < recs[j].PC
	})
}
