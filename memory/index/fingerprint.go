package index

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/becomeliminal/nim-memory/core"
)

// Fingerprint is a SHA-256 over the ordered (id, key, text) tuples of a
// character's memory cards.
type Fingerprint [sha256.Size]byte

// String returns the hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex digits, for logs and status output.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// FingerprintCards hashes cards in order. Every field is length-prefixed so
// that moving text between key and body changes the fingerprint.
func FingerprintCards(cards []core.MemoryCard) Fingerprint {
	h := sha256.New()
	var n [8]byte

	write := func(s string) {
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	binary.LittleEndian.PutUint64(n[:], uint64(len(cards)))
	h.Write(n[:])
	for _, c := range cards {
		write(c.ID)
		write(c.Key)
		write(c.Text)
	}

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}
