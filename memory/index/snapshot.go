package index

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
)

// Snapshot layout, little-endian:
//
//	magic       [4]byte "NIMV"
//	version     uint16
//	dimension   uint32
//	count       uint32
//	fingerprint [32]byte
//	vectors     count * dimension * float32
//	ids         count * (uint16 length, bytes)
const (
	snapshotVersion = 1
	headerSize      = 4 + 2 + 4 + 4 + sha256.Size
	maxIDLen        = math.MaxUint16
	fileExt         = ".index"
)

var snapshotMagic = [4]byte{'N', 'I', 'M', 'V'}

// Encode writes idx in snapshot format.
func Encode(w io.Writer, idx *CharacterIndex) error {
	bw := bufio.NewWriter(w)

	var hdr [headerSize]byte
	copy(hdr[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotVersion)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(idx.Dimension))
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(len(idx.Vectors)))
	copy(hdr[14:], idx.Fingerprint[:])
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	var f [4]byte
	for _, v := range idx.Vectors {
		if len(v.Embedding) != idx.Dimension {
			return fmt.Errorf("card %q: %w", v.CardID, ErrDimensionMismatch)
		}
		for _, x := range v.Embedding {
			binary.LittleEndian.PutUint32(f[:], math.Float32bits(x))
			if _, err := bw.Write(f[:]); err != nil {
				return err
			}
		}
	}

	var l [2]byte
	for _, v := range idx.Vectors {
		if len(v.CardID) > maxIDLen {
			return fmt.Errorf("card id too long (%d bytes)", len(v.CardID))
		}
		binary.LittleEndian.PutUint16(l[:], uint16(len(v.CardID)))
		if _, err := bw.Write(l[:]); err != nil {
			return err
		}
		if _, err := bw.WriteString(v.CardID); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Decode parses a snapshot. The header is checked against the data length
// before anything is allocated; every failure wraps ErrIndexCorrupt.
func Decode(data []byte, characterID string) (*CharacterIndex, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrIndexCorrupt, len(data))
	}
	if !bytes.Equal(data[0:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrIndexCorrupt)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIndexCorrupt, v)
	}

	dim := uint64(binary.LittleEndian.Uint32(data[6:10]))
	count := uint64(binary.LittleEndian.Uint32(data[10:14]))
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero dimension", ErrIndexCorrupt)
	}

	var fp Fingerprint
	copy(fp[:], data[14:headerSize])

	body := uint64(len(data) - headerSize)
	if count > body/4/dim {
		return nil, fmt.Errorf("%w: %d vectors of dimension %d do not fit in %d bytes", ErrIndexCorrupt, count, dim, len(data))
	}
	vecBytes := count * dim * 4
	// Each id needs at least its length prefix.
	if body < vecBytes+count*2 {
		return nil, fmt.Errorf("%w: %d vectors of dimension %d do not fit in %d bytes", ErrIndexCorrupt, count, dim, len(data))
	}

	pos := uint64(headerSize)
	vectors := make([]CardVector, count)
	flat := make([]float32, count*dim)
	for i := range flat {
		flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	}
	for i := range vectors {
		vectors[i].Embedding = flat[uint64(i)*dim : uint64(i+1)*dim : uint64(i+1)*dim]
	}

	end := uint64(len(data))
	for i := range vectors {
		if end-pos < 2 {
			return nil, fmt.Errorf("%w: truncated id list at %d", ErrIndexCorrupt, i)
		}
		n := uint64(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if end-pos < n {
			return nil, fmt.Errorf("%w: truncated id %d", ErrIndexCorrupt, i)
		}
		vectors[i].CardID = string(data[pos : pos+n])
		pos += n
	}
	if pos != end {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrIndexCorrupt, end-pos)
	}

	return &CharacterIndex{
		CharacterID: characterID,
		Vectors:     vectors,
		Fingerprint: fp,
		Dimension:   int(dim),
	}, nil
}

// WriteFile persists idx atomically: the snapshot is written to a temp file
// in the target directory, synced, then renamed over path.
func WriteFile(path string, idx *CharacterIndex) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create vectors dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := Encode(tmp, idx); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadFile loads a snapshot. A missing file returns an error satisfying
// errors.Is(err, fs.ErrNotExist); a malformed one wraps ErrIndexCorrupt.
func ReadFile(path, characterID string) (*CharacterIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data, characterID)
}

// IsCorrupt reports whether err came from snapshot validation.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrIndexCorrupt)
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName maps a character id to its snapshot file name. Ids made of safe
// characters are used as-is; anything else is sanitised and suffixed with a
// short hash of the raw id so distinct ids never share a file.
func FileName(characterID string) string {
	if safeName.MatchString(characterID) && characterID != "." && characterID != ".." {
		return characterID + fileExt
	}
	sum := sha256.Sum256([]byte(characterID))
	base := unsafeChars.ReplaceAllString(characterID, "_")
	if len(base) > 64 {
		base = base[:64]
	}
	return base + "-" + hex.EncodeToString(sum[:4]) + fileExt
}
