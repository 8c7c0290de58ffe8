package vector

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lazypower/cogmem/internal/memerr"
)

// File format, little endian:
//
//	header: magic "CGVS" | version u16 | dim u32 | count u64 | batchSize u32 |
//	        tierStart[3] u64 | tierCount[3] u64 | xxhash64(header) u64
//	batch:  n u32 | length u32 | payload | xxhash64(payload) u64
//	record: id str16 | tier u8 | created u64 | lastAccess u64 | accesses u64 |
//	        source str16 | category str16 | model str16 | meta u32+json |
//	        embedding dim*f32
//
// Records are written grouped hot, warm, cold; tierStart is the index of the
// first record of each tier. Version 1 records have no model field.
const (
	fileMagic   = "CGVS"
	fileVersion = 2
	headerSize  = 4 + 2 + 4 + 8 + 4 + 3*8 + 3*8
	maxBatchLen = 1 << 30
)

type fileHeader struct {
	version   uint16
	dim       uint32
	count     uint64
	batchSize uint32
	tierStart [3]uint64
	tierCount [3]uint64
}

func (h fileHeader) encode() []byte {
	b := make([]byte, 0, headerSize+8)
	b = append(b, fileMagic...)
	b = binary.LittleEndian.AppendUint16(b, h.version)
	b = binary.LittleEndian.AppendUint32(b, h.dim)
	b = binary.LittleEndian.AppendUint64(b, h.count)
	b = binary.LittleEndian.AppendUint32(b, h.batchSize)
	for _, v := range h.tierStart {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	for _, v := range h.tierCount {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b))
}

func decodeHeader(b []byte) (fileHeader, error) {
	var h fileHeader
	if string(b[:4]) != fileMagic {
		return h, errors.New("bad magic")
	}
	if xxhash.Sum64(b[:headerSize]) != binary.LittleEndian.Uint64(b[headerSize:]) {
		return h, errors.New("header checksum mismatch")
	}
	off := 4
	h.version = binary.LittleEndian.Uint16(b[off:])
	off += 2
	h.dim = binary.LittleEndian.Uint32(b[off:])
	off += 4
	h.count = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.batchSize = binary.LittleEndian.Uint32(b[off:])
	off += 4
	for i := range h.tierStart {
		h.tierStart[i] = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}
	for i := range h.tierCount {
		h.tierCount[i] = binary.LittleEndian.Uint64(b[off:])
		off += 8
	}
	return h, nil
}

// Save writes the store to its file via a temp file and rename. Saving an
// unpersisted store is a no-op.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	if s.readOnly {
		s.mu.RUnlock()
		return fmt.Errorf("save vector store: %w", memerr.ErrReadOnly)
	}
	data, err := s.encode()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create vector temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write vector file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync vector file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close vector file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename vector file: %w", err)
	}
	s.logger.Debug("vector store saved", "path", filepath.Base(s.path), "bytes", len(data))
	return nil
}

// encode serializes all records. Caller holds at least the read lock.
func (s *Store) encode() ([]byte, error) {
	h := fileHeader{
		version:   fileVersion,
		dim:       uint32(s.dim),
		count:     uint64(len(s.records)),
		batchSize: uint32(s.cfg.BatchSize),
	}
	if h.batchSize == 0 {
		h.batchSize = 256
	}

	var ordered []*entry
	for _, t := range Tiers {
		ids := make([]string, 0, len(s.tiers[t]))
		for id := range s.tiers[t] {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		h.tierStart[t] = uint64(len(ordered))
		h.tierCount[t] = uint64(len(ids))
		for _, id := range ids {
			ordered = append(ordered, s.records[id])
		}
	}

	out := h.encode()
	for start := 0; start < len(ordered); start += int(h.batchSize) {
		end := min(start+int(h.batchSize), len(ordered))
		var payload []byte
		for _, e := range ordered[start:end] {
			var err error
			payload, err = appendRecord(payload, e)
			if err != nil {
				return nil, err
			}
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(end-start))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
		out = append(out, payload...)
		out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(payload))
	}
	return out, nil
}

func appendString16(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendRecord(b []byte, e *entry) ([]byte, error) {
	if len(e.id) > math.MaxUint16 || len(e.source) > math.MaxUint16 || len(e.category) > math.MaxUint16 || len(e.model) > math.MaxUint16 {
		return nil, fmt.Errorf("encode record %s: field exceeds 64KiB", e.id)
	}
	meta, err := json.Marshal(e.metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata for %s: %w", e.id, err)
	}

	b = appendString16(b, e.id)
	b = append(b, byte(e.tier))
	b = binary.LittleEndian.AppendUint64(b, uint64(e.createdAt.UnixNano()))
	b = binary.LittleEndian.AppendUint64(b, uint64(e.lastAccess.Load()))
	b = binary.LittleEndian.AppendUint64(b, e.accessCount.Load())
	b = appendString16(b, e.source)
	b = appendString16(b, e.category)
	b = appendString16(b, e.model)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(meta)))
	b = append(b, meta...)
	for _, v := range e.embedding {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b, nil
}

// recordReader walks a verified batch payload.
type recordReader struct {
	b   []byte
	off int
	err error
}

func (r *recordReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *recordReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *recordReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *recordReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *recordReader) str16() string {
	return string(r.take(int(r.u16())))
}

func (r *recordReader) record(dim int, version uint16) (*entry, error) {
	e := &entry{}
	e.id = r.str16()
	tier := r.take(1)
	e.createdAt = time.Unix(0, int64(r.u64()))
	e.lastAccess.Store(int64(r.u64()))
	e.accessCount.Store(r.u64())
	e.source = r.str16()
	e.category = r.str16()
	if version >= 2 {
		e.model = r.str16()
	}
	meta := r.take(int(r.u32()))
	raw := r.take(dim * 4)
	if r.err != nil {
		return nil, r.err
	}

	if tier[0] > byte(Cold) {
		return nil, fmt.Errorf("record %s: invalid tier %d", e.id, tier[0])
	}
	e.tier = Tier(tier[0])
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &e.metadata); err != nil {
			return nil, fmt.Errorf("record %s: metadata: %w", e.id, err)
		}
	}
	e.embedding = make([]float32, dim)
	for i := range e.embedding {
		e.embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return e, nil
}

// load reads the file into an empty store. Records from batches preceding a
// failed batch are kept; the error then wraps ErrStorageCorruption.
func (s *Store) load(f io.Reader) error {
	corrupt := func(batch int, format string, args ...any) error {
		return &memerr.StorageCorruptionError{Path: s.path, Batch: batch, Reason: fmt.Sprintf(format, args...)}
	}

	r := bufio.NewReader(f)
	hb := make([]byte, headerSize+8)
	if _, err := io.ReadFull(r, hb); err != nil {
		return corrupt(-1, "short header: %v", err)
	}
	h, err := decodeHeader(hb)
	if err != nil {
		return corrupt(-1, "%v", err)
	}
	if h.version < 1 || h.version > fileVersion {
		return corrupt(-1, "unsupported format version %d", h.version)
	}
	if int(h.dim) != s.dim {
		return fmt.Errorf("load vector file: %w", &memerr.DimensionMismatchError{Want: s.dim, Got: int(h.dim)})
	}

	var tierSeen [3]uint64
	loaded := uint64(0)
	for batch := 0; loaded < h.count; batch++ {
		var bh [8]byte
		if _, err := io.ReadFull(r, bh[:]); err != nil {
			return corrupt(batch, "truncated batch header after %d of %d records", loaded, h.count)
		}
		n := binary.LittleEndian.Uint32(bh[:4])
		length := binary.LittleEndian.Uint32(bh[4:])
		if n == 0 || uint64(n) > h.count-loaded || length > maxBatchLen {
			return corrupt(batch, "implausible batch (n=%d, length=%d)", n, length)
		}

		payload := make([]byte, int(length)+8)
		if _, err := io.ReadFull(r, payload); err != nil {
			return corrupt(batch, "truncated batch payload")
		}
		sum := binary.LittleEndian.Uint64(payload[length:])
		payload = payload[:length]
		if xxhash.Sum64(payload) != sum {
			return corrupt(batch, "checksum mismatch")
		}

		rr := &recordReader{b: payload}
		entries := make([]*entry, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := rr.record(s.dim, h.version)
			if err != nil {
				return corrupt(batch, "decode record %d: %v", i, err)
			}
			entries = append(entries, e)
		}
		if rr.off != len(rr.b) {
			return corrupt(batch, "%d trailing bytes", len(rr.b)-rr.off)
		}

		for _, e := range entries {
			if _, dup := s.records[e.id]; dup {
				return corrupt(batch, "duplicate id %q", e.id)
			}
			s.records[e.id] = e
			s.tiers[e.tier][e.id] = struct{}{}
			tierSeen[e.tier]++
		}
		loaded += uint64(n)
	}

	if _, err := r.ReadByte(); err != io.EOF {
		return corrupt(-1, "unexpected data after %d records", h.count)
	}
	if tierSeen != h.tierCount {
		return corrupt(-1, "tier index mismatch: header %v, records %v", h.tierCount, tierSeen)
	}
	return nil
}

// Recover clears degraded read-only mode and rewrites the file from the
// records that were salvaged. This is the explicit rebuild step after a
// corruption error.
func (s *Store) Recover() error {
	s.mu.Lock()
	was := s.readOnly
	s.readOnly = false
	n := len(s.records)
	s.mu.Unlock()

	if was {
		s.logger.Warn("vector store recovered from degraded mode", "records", n)
	}
	return s.Save()
}
