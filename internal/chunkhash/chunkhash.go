// Package chunkhash builds and reads the chunk-hash sidecar files that
// patch transfer depends on: per-block weak (xxHash) and strong (BLAKE3)
// digests of a prior-backup file, used so a chunked transport can tell the
// server which blocks it already has.
package chunkhash

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// minDeltaSize below which synthesizing a sidecar isn't worth it; callers
// may still request one (patch preparation always needs something to send).
const minDeltaSize = 64 * 1024

// sidecarMagic tags the file format so a stale or foreign sidecar is never
// mistaken for one ferry wrote.
const sidecarMagic = "FCHK2\n"

// Header flag bits.
const flagMetadataOnly = uint32(1 << 0)

// Block holds the weak+strong hash of one fixed-size block of a file.
type Block struct {
	Index      int
	Offset     int64
	WeakHash   uint64
	StrongHash [32]byte
}

// Signature is the block-level digest of a whole file.
type Signature struct {
	Blocks    []Block
	BlockSize int
	FileSize  int64

	// MetadataOnly marks a placeholder sidecar written for an entry whose
	// body was never transferred. It carries no usable block hashes:
	// patch preparation must not match against one, and synthesizes real
	// hashes from the prior file instead.
	MetadataOnly bool
}

// ChooseBlockSize mirrors the rsync heuristic: block size grows with the
// square root of the file size, clamped to a sane range.
func ChooseBlockSize(fileSize int64) int {
	bs := int(math.Sqrt(float64(fileSize)))
	if bs < 512 {
		bs = 512
	}
	if bs > 131072 {
		bs = 131072
	}
	return bs
}

// Compute reads r in full and hashes it block by block. Used both to
// synthesize a sidecar for a prior file that has none, and by the local
// chunked-transport fixture to build the signature it matches against.
//
//nolint:revive // cognitive-complexity: block loop with EOF handling
func Compute(r io.Reader, fileSize int64) (Signature, error) {
	blockSize := ChooseBlockSize(fileSize)
	sig := Signature{BlockSize: blockSize, FileSize: fileSize}

	buf := make([]byte, blockSize)
	var offset int64
	idx := 0

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			sig.Blocks = append(sig.Blocks, Block{
				Index:      idx,
				Offset:     offset,
				WeakHash:   xxhash.Sum64(block),
				StrongHash: blake3.Sum256(block),
			})
			offset += int64(n)
			idx++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Signature{}, err
		}
	}
	return sig, nil
}

// WriteSignature serializes a Signature to w in the on-disk sidecar format.
func WriteSignature(w io.Writer, sig Signature) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(sidecarMagic); err != nil {
		return err
	}
	var flags uint32
	if sig.MetadataOnly {
		flags |= flagMetadataOnly
	}
	hdr := make([]byte, 20)
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(sig.FileSize))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(sig.BlockSize))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(sig.Blocks)))
	binary.LittleEndian.PutUint32(hdr[16:20], flags)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	rec := make([]byte, 8+8+32)
	for _, b := range sig.Blocks {
		binary.LittleEndian.PutUint64(rec[0:8], uint64(b.Offset))
		binary.LittleEndian.PutUint64(rec[8:16], b.WeakHash)
		copy(rec[16:48], b.StrongHash[:])
		if _, err := bw.Write(rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadSignature parses a sidecar previously written by WriteSignature.
// Returns an error for an empty reader or one whose magic doesn't match,
// so callers can treat "no usable sidecar" the way patch preparation
// requires (trigger synthesis rather than crash).
func ReadSignature(r io.Reader) (Signature, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(sidecarMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return Signature{}, fmt.Errorf("read sidecar magic: %w", err)
	}
	if string(magic) != sidecarMagic {
		return Signature{}, fmt.Errorf("not a chunk-hash sidecar")
	}

	hdr := make([]byte, 20)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return Signature{}, fmt.Errorf("read sidecar header: %w", err)
	}
	sig := Signature{
		FileSize:     int64(binary.LittleEndian.Uint64(hdr[0:8])),
		BlockSize:    int(binary.LittleEndian.Uint32(hdr[8:12])),
		MetadataOnly: binary.LittleEndian.Uint32(hdr[16:20])&flagMetadataOnly != 0,
	}
	count := binary.LittleEndian.Uint32(hdr[12:16])

	rec := make([]byte, 8+8+32)
	for i := range int(count) {
		if _, err := io.ReadFull(br, rec); err != nil {
			return Signature{}, fmt.Errorf("read sidecar block %d: %w", i, err)
		}
		var strong [32]byte
		copy(strong[:], rec[16:48])
		sig.Blocks = append(sig.Blocks, Block{
			Index:      i,
			Offset:     int64(binary.LittleEndian.Uint64(rec[0:8])),
			WeakHash:   binary.LittleEndian.Uint64(rec[8:16]),
			StrongHash: strong,
		})
	}
	return sig, nil
}

// Op is a single reconstruction instruction produced by Match.
type Op struct {
	Literal  []byte
	Offset   int64
	BlockIdx int
	Length   int
}

// Match reads src in full and matches it against sig, producing a list of
// Ops. Matching regions reference the basis file by block index; the rest
// becomes literal data. Grounded on the same rolling weak/strong matching
// used to build the signature in the first place.
//
//nolint:gocyclo,revive // cyclomatic: rsync-style block matching is inherently branchy
func Match(src io.Reader, sig Signature) ([]Op, error) {
	if len(sig.Blocks) == 0 {
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, nil
		}
		return []Op{{BlockIdx: -1, Length: len(data), Literal: data}}, nil
	}

	type candidate struct {
		index  int
		strong [32]byte
		offset int64
	}
	weakMap := make(map[uint64][]candidate, len(sig.Blocks))
	for _, b := range sig.Blocks {
		weakMap[b.WeakHash] = append(weakMap[b.WeakHash], candidate{b.Index, b.StrongHash, b.Offset})
	}

	blockSize := sig.BlockSize
	srcData, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}

	var ops []Op
	var literal []byte
	flush := func() {
		if len(literal) > 0 {
			ops = append(ops, Op{BlockIdx: -1, Length: len(literal), Literal: literal})
			literal = nil
		}
	}

	i := 0
	for i < len(srcData) {
		end := min(i+blockSize, len(srcData))
		chunk := srcData[i:end]

		matched := false
		if len(chunk) >= blockSize || (len(chunk) > 0 && i+len(chunk) == len(srcData)) {
			if candidates, ok := weakMap[xxhash.Sum64(chunk)]; ok {
				strong := blake3.Sum256(chunk)
				for _, c := range candidates {
					if c.strong == strong {
						flush()
						ops = append(ops, Op{BlockIdx: c.index, Offset: c.offset, Length: len(chunk)})
						i += len(chunk)
						matched = true
						break
					}
				}
			}
		}
		if !matched {
			literal = append(literal, srcData[i])
			i++
		}
	}
	flush()
	return ops, nil
}

// Apply reconstructs a file by replaying ops against basis, writing to dst.
func Apply(basis io.ReadSeeker, ops []Op, dst io.Writer) error {
	for _, op := range ops {
		if op.BlockIdx >= 0 {
			if _, err := basis.Seek(op.Offset, io.SeekStart); err != nil {
				return err
			}
			buf := make([]byte, op.Length)
			if _, err := io.ReadFull(basis, buf); err != nil {
				return err
			}
			if _, err := dst.Write(buf); err != nil {
				return err
			}
			continue
		}
		if _, err := dst.Write(op.Literal); err != nil {
			return err
		}
	}
	return nil
}

// MinSize reports the file size below which synthesizing a sidecar isn't
// worth the cost of delta transfer over it.
func MinSize() int64 { return minDeltaSize }

// sidecarHeaderSize is len(sidecarMagic) + the 20-byte fixed header
// WriteSignature emits before any block records.
const sidecarHeaderSize = int64(len(sidecarMagic)) + 20

// IsMetadataOnly reports whether r holds a sidecar tagged as a
// metadata-only placeholder. The reader is rewound to the start before
// returning, so it can be handed on to the transport untouched. A
// malformed or foreign header is an error; callers treat that the same
// as "no usable sidecar".
func IsMetadataOnly(r io.ReadSeeker) (bool, error) {
	hdr := make([]byte, sidecarHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return false, fmt.Errorf("read sidecar header: %w", err)
	}
	if string(hdr[:len(sidecarMagic)]) != sidecarMagic {
		return false, fmt.Errorf("not a chunk-hash sidecar")
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	flags := binary.LittleEndian.Uint32(hdr[len(sidecarMagic)+16:])
	return flags&flagMetadataOnly != 0, nil
}

// blockRecordSize is the per-block record size WriteSignature emits:
// 8-byte offset, 8-byte weak hash, 32-byte strong hash.
const blockRecordSize = 8 + 8 + 32

// HashDataSize reports the expected on-disk size of a chunk-hash sidecar
// for a file of the given size. The hash dispatcher truncates a
// hash-output temp file down to this size before handing it to the pipe,
// since retried transfers can leave trailing padding from an earlier,
// larger attempt.
func HashDataSize(fileSize int64) int64 {
	if fileSize <= 0 {
		return sidecarHeaderSize
	}
	blockSize := int64(ChooseBlockSize(fileSize))
	numBlocks := (fileSize + blockSize - 1) / blockSize
	return sidecarHeaderSize + numBlocks*blockRecordSize
}
