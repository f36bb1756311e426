package transform

import (
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"golang.org/x/crypto/blake2b"
)

// NewHasher returns the hash used for row digests.
func NewHasher() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only possible with an oversized key
		panic(err)
	}
	return h
}

// Digest is a content hash of every row and tombstone of the write set, in order.
func (ws *WriteSet) Digest() [32]byte {
	h := NewHasher()
	for _, s := range ws.Sets {
		writeString(h, string(s.Entity))
		for _, r := range s.Rows {
			HashValues(h, r.Values())
		}
		for _, t := range s.Tombstones {
			HashValues(h, []any{t.ObjectID, t.Version})
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RowDigest hashes the values of a single row.
func RowDigest(r indexer.Row) [32]byte {
	h := NewHasher()
	HashValues(h, r.Values())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashValues writes a type-tagged, length-prefixed encoding of values to h.
// Pointers are dereferenced so equal rows hash equally.
func HashValues(h hash.Hash, values []any) {
	var buf [9]byte
	writeInt := func(tag byte, v int64) {
		buf[0] = tag
		binary.BigEndian.PutUint64(buf[1:], uint64(v))
		h.Write(buf[:])
	}
	h.Write([]byte{'r', byte(len(values))})
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			h.Write([]byte{'n'})
		case int64:
			writeInt('i', x)
		case *int64:
			if x == nil {
				h.Write([]byte{'n'})
			} else {
				writeInt('i', *x)
			}
		case int16:
			writeInt('s', int64(x))
		case *int16:
			if x == nil {
				h.Write([]byte{'n'})
			} else {
				writeInt('s', int64(*x))
			}
		case bool:
			if x {
				h.Write([]byte{'t'})
			} else {
				h.Write([]byte{'f'})
			}
		case string:
			h.Write([]byte{'S'})
			writeString(h, x)
		case *string:
			if x == nil {
				h.Write([]byte{'n'})
			} else {
				h.Write([]byte{'S'})
				writeString(h, *x)
			}
		case []byte:
			if x == nil {
				h.Write([]byte{'n'})
			} else {
				h.Write([]byte{'b'})
				writeString(h, string(x))
			}
		case [][]byte:
			writeInt('a', int64(len(x)))
			for _, b := range x {
				writeString(h, string(b))
			}
		default:
			h.Write([]byte{'?'})
			writeString(h, fmt.Sprintf("%T:%v", v, v))
		}
	}
}

func writeString(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
