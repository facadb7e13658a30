package sched

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/alejandrosuarez/elodin/internal/ecs"
)

// fingerprint hashes the canonical encoding of every registered descriptor
// in registration order. Two scheduler states with the same fingerprint
// produce the same plan, which is what makes plan memoization safe.
func (s *Scheduler) fingerprint() [32]byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	writeStr := func(v string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(v)))
		h.Write(buf[:])
		h.Write([]byte(v))
	}
	writeIDs := func(ids []ecs.ComponentID) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(ids)))
		h.Write(buf[:])
		for _, id := range ids {
			binary.LittleEndian.PutUint64(buf[:], uint64(id))
			h.Write(buf[:])
		}
	}
	for _, d := range s.systems {
		writeStr(d.Name)
		if d.Structural {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		writeIDs(sortedIDs(d.readSet))
		writeIDs(sortedIDs(d.writeSet))
		writeIDs(sortedIDs(idSet(d.Filter.With)))
		writeIDs(sortedIDs(idSet(d.Filter.Without)))
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}
