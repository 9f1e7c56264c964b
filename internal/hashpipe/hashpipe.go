// Package hashpipe encodes and decodes the completion record the engine
// hands to the downstream hashing pipeline: one message per finished
// transfer, carrying enough for the hasher to compute and store the
// destination's content hash without re-reading engine state.
//
// The wire format is a hand-rolled binary encoding (strings with a
// 4-byte length prefix, fixed-width integers) rather than the msgpack
// framing the rest of a client/server protocol might use elsewhere — the
// hashing pipeline is a same-host pipe, not a network boundary, and the
// format predates any msgpack-based control protocol in this codebase.
// Integers and length prefixes are always written and read little-endian;
// that matches native order on little-endian hosts only, and the byte
// order is not switched on big-endian hosts.
package hashpipe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Record is the completion message dispatched to the hash pipeline.
type Record struct {
	TempPath       string
	BackupID       int32
	IsIncremental  bool
	DestPath       string
	DestHashPath   string
	HashOutputPath string // empty when there is no new chunk-hash sidecar
	OldFilePath    string // empty when no reflink-hint sibling was found
	FileSize       int64
	Metadata       []byte
}

// Encode writes rec to w as a single message: one buffer, one Write call,
// so the pipe never sees a completion record torn across syscalls.
func Encode(w io.Writer, rec Record) error {
	buf := make([]byte, 0, 256+len(rec.Metadata))
	buf = appendString(buf, rec.TempPath)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.BackupID))
	incr := int32(0)
	if rec.IsIncremental {
		incr = 1
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(incr))
	buf = appendString(buf, rec.DestPath)
	buf = appendString(buf, rec.DestHashPath)
	buf = appendString(buf, rec.HashOutputPath)
	buf = appendString(buf, rec.OldFilePath)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.FileSize))
	buf = appendBytes(buf, rec.Metadata)

	n, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("write hash pipe record: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write of hash pipe record: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// Decode reads a single Record from r, in the format Encode produces.
func Decode(r io.Reader) (Record, error) {
	br := bufio.NewReader(r)
	var rec Record
	var err error

	if rec.TempPath, err = readString(br); err != nil {
		return Record{}, fmt.Errorf("read temp path: %w", err)
	}

	var backupID, incr uint32
	if err = binary.Read(br, binary.LittleEndian, &backupID); err != nil {
		return Record{}, fmt.Errorf("read backup id: %w", err)
	}
	rec.BackupID = int32(backupID)

	if err = binary.Read(br, binary.LittleEndian, &incr); err != nil {
		return Record{}, fmt.Errorf("read incremental flag: %w", err)
	}
	rec.IsIncremental = incr != 0

	if rec.DestPath, err = readString(br); err != nil {
		return Record{}, fmt.Errorf("read dest path: %w", err)
	}
	if rec.DestHashPath, err = readString(br); err != nil {
		return Record{}, fmt.Errorf("read dest hash path: %w", err)
	}
	if rec.HashOutputPath, err = readString(br); err != nil {
		return Record{}, fmt.Errorf("read hash output path: %w", err)
	}
	if rec.OldFilePath, err = readString(br); err != nil {
		return Record{}, fmt.Errorf("read old file path: %w", err)
	}

	var fileSize uint64
	if err = binary.Read(br, binary.LittleEndian, &fileSize); err != nil {
		return Record{}, fmt.Errorf("read file size: %w", err)
	}
	rec.FileSize = int64(fileSize)

	if rec.Metadata, err = readBytes(br); err != nil {
		return Record{}, fmt.Errorf("read metadata: %w", err)
	}

	return rec, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
