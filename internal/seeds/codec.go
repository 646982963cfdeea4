package seeds

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Snapshot blob layout, little-endian:
//
//	magic "BSC1" | version u16 | count u32 | last_scan i64 (unix nanos)
//	per record: filename str | hash str | path str | err str |
//	            is_safe u8 | neutral f64 | low f64 | medium f64 | high f64 |
//	            checked_at i64
//
// Strings are u16 length-prefixed. The version field lets future fields be
// added without corrupting older snapshots.
const (
	snapshotMagic   = "BSC1"
	snapshotVersion = 1
	maxStringLen    = math.MaxUint16

	// minRecordSize is the encoded size of a record whose strings are all
	// empty: four u16 length prefixes, the is_safe byte, four f64 scores
	// and the checked_at i64.
	minRecordSize = 4*2 + 1 + 4*8 + 8
)

var (
	errSnapshotMagic   = errors.New("invalid snapshot magic")
	errSnapshotVersion = errors.New("snapshot version mismatch")
	errSnapshotCorrupt = errors.New("snapshot truncated or corrupt")
)

// EncodeSnapshot serializes a snapshot. Records are written in filename
// order so identical snapshots produce identical blobs.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	writeU16(&buf, snapshotVersion)
	writeU32(&buf, uint32(len(s.Files)))
	writeI64(&buf, timeToNanos(s.LastScan))

	names := make([]string, 0, len(s.Files))
	for name := range s.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := s.Files[name]
		for _, str := range []string{name, rec.Hash, rec.Path, rec.Err} {
			if err := writeString(&buf, str); err != nil {
				return nil, err
			}
		}
		if rec.IsSafe {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		writeF64(&buf, rec.Scores.Neutral)
		writeF64(&buf, rec.Scores.Low)
		writeF64(&buf, rec.Scores.Medium)
		writeF64(&buf, rec.Scores.High)
		writeI64(&buf, timeToNanos(rec.CheckedAt))
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a snapshot blob.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || string(magic) != snapshotMagic {
		return Snapshot{}, errSnapshotMagic
	}
	version, err := readU16(r)
	if err != nil {
		return Snapshot{}, errSnapshotCorrupt
	}
	if version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("%w: got %d, want %d", errSnapshotVersion, version, snapshotVersion)
	}
	count, err := readU32(r)
	if err != nil {
		return Snapshot{}, errSnapshotCorrupt
	}
	lastScan, err := readI64(r)
	if err != nil {
		return Snapshot{}, errSnapshotCorrupt
	}
	// The count comes from untrusted bytes; cap it by what the remaining
	// input could possibly hold before it becomes an allocation size.
	if int64(count)*minRecordSize > int64(r.Len()) {
		return Snapshot{}, errSnapshotCorrupt
	}

	snap := Snapshot{
		Files:    make(map[string]Record, count),
		LastScan: nanosToTime(lastScan),
	}
	for i := uint32(0); i < count; i++ {
		var strs [4]string
		for j := range strs {
			s, err := readString(r)
			if err != nil {
				return Snapshot{}, errSnapshotCorrupt
			}
			strs[j] = s
		}
		safeByte, err := r.ReadByte()
		if err != nil {
			return Snapshot{}, errSnapshotCorrupt
		}
		var scores [4]float64
		for j := range scores {
			v, err := readF64(r)
			if err != nil {
				return Snapshot{}, errSnapshotCorrupt
			}
			scores[j] = v
		}
		checkedAt, err := readI64(r)
		if err != nil {
			return Snapshot{}, errSnapshotCorrupt
		}

		rec := Record{
			Hash:      strs[1],
			Path:      strs[2],
			Err:       strs[3],
			IsSafe:    safeByte == 1,
			CheckedAt: nanosToTime(checkedAt),
		}
		rec.Scores.Neutral = scores[0]
		rec.Scores.Low = scores[1]
		rec.Scores.Medium = scores[2]
		rec.Scores.High = scores[3]
		snap.Files[strs[0]] = rec
	}
	return snap, nil
}

func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeF64(buf *bytes.Buffer, v float64) {
	writeI64(buf, int64(math.Float64bits(v)))
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringLen {
		return fmt.Errorf("string too long for snapshot: %d bytes", len(s))
	}
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readF64(r *bytes.Reader) (float64, error) {
	v, err := readI64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

