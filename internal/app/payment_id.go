package app

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"time"

	"golang.org/x/crypto/sha3"
)

// derivePaymentID hashes the creation parameters with Keccak-256. The sequence
// number makes ids unique even when every business field repeats.
func derivePaymentID(creator, recipient string, amount int64, asset string, sequence uint64, createdAt time.Time) string {
	h := sha3.NewLegacyKeccak256()
	writeField(h, []byte(creator))
	writeField(h, []byte(recipient))
	writeUint(h, uint64(amount))
	writeField(h, []byte(asset))
	writeUint(h, sequence)
	writeUint(h, uint64(createdAt.UnixNano()))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes value so adjacent fields cannot run together.
func writeField(h hash.Hash, value []byte) {
	writeUint(h, uint64(len(value)))
	h.Write(value)
}

func writeUint(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
