package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/sirupsen/logrus"
)

// File layout:
//
//	header (16 bytes): magic "GHS1" | version u16 | order u16 | pageSize u32 | reserved u32
//	data pages (pageSize bytes each):
//	    count u16 | count * record (timestamp i64, entity i64, value f64) | padding | crc32 u32
//
// Pages are appended whole on flush. The CRC covers everything before it, so
// a write interrupted mid-page is detected on load, logged, and discarded
// instead of failing the whole load.
const (
	magic          = "GHS1"
	formatVersion  = 1
	headerSize     = 16
	recordSize     = 24
	pageOverhead   = 6 // count u16 + crc32 u4
	DefaultPage    = 4096
	DefaultOrder   = 32
	flushRetries   = 3
)

// Store couples the in-memory tree with its paged on-disk form. Writes are
// buffered by Append and made durable by Flush; reads are always served
// from the tree.
type Store struct {
	path     string
	tree     *Tree
	pending  []Record
	pageSize int
	degraded bool
}

// Open loads (or creates) a store at path. Existing pages are replayed into
// the tree; a truncated or corrupt trailing page is dropped with a warning.
// An empty path yields an in-memory-only store that never touches disk.
func Open(path string, order int) (*Store, error) {
	if order < MinOrder {
		order = DefaultOrder
	}
	s := &Store{path: path, tree: NewTree(order), pageSize: DefaultPage}
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := s.writeHeader(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close()
	if err := s.load(f); err != nil {
		return nil, err
	}
	return s, nil
}

// load replays the header and every valid page into the tree.
func (s *Store) load(f *os.File) error {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return fmt.Errorf("reading history header: %w", err)
	}
	if string(hdr[:4]) != magic {
		return fmt.Errorf("bad history magic %q", hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != formatVersion {
		return fmt.Errorf("unsupported history format version %d", v)
	}
	order := int(binary.LittleEndian.Uint16(hdr[6:8]))
	if order >= MinOrder {
		s.tree = NewTree(order)
	}
	if ps := int(binary.LittleEndian.Uint32(hdr[8:12])); ps >= recordSize+pageOverhead {
		s.pageSize = ps
	}

	buf := make([]byte, s.pageSize)
	offset := int64(headerSize)
	pageNo := 0
	for {
		n, err := io.ReadFull(f, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			logrus.Warnf("history: truncated page %d at offset %d (%d bytes), discarding tail", pageNo, offset, n)
			break
		}
		if err != nil {
			return fmt.Errorf("reading history page %d: %w", pageNo, err)
		}
		records, ok := decodePage(buf)
		if !ok {
			logrus.Warnf("history: checksum mismatch on page %d at offset %d, discarding tail", pageNo, offset)
			break
		}
		for _, rec := range records {
			s.tree.Insert(rec)
		}
		offset += int64(s.pageSize)
		pageNo++
	}
	return nil
}

func (s *Store) writeHeader() error {
	hdr := make([]byte, headerSize)
	copy(hdr[:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], formatVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(s.tree.Order()))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(s.pageSize))
	if err := os.WriteFile(s.path, hdr, 0o644); err != nil {
		return fmt.Errorf("writing history header: %w", err)
	}
	return nil
}

// Append buffers a record. It is visible to Scan immediately; durability
// waits for the next Flush.
func (s *Store) Append(rec Record) {
	s.tree.Insert(rec)
	s.pending = append(s.pending, rec)
}

// Pending returns the number of buffered, not-yet-durable records.
func (s *Store) Pending() int { return len(s.pending) }

// Degraded reports whether the store is running in-memory-only after
// exhausting write retries. Cleared by the next successful Flush.
func (s *Store) Degraded() bool { return s.degraded }

// Flush writes all pending records to disk as whole pages, retrying a
// bounded number of times. After the retries are exhausted the store keeps
// the records in memory, marks itself degraded, and returns the error.
func (s *Store) Flush() error {
	if s.path == "" || len(s.pending) == 0 {
		return nil
	}
	var err error
	for attempt := 1; attempt <= flushRetries; attempt++ {
		if err = s.flushOnce(); err == nil {
			s.pending = s.pending[:0]
			s.degraded = false
			return nil
		}
		logrus.Warnf("history: flush attempt %d/%d failed: %v", attempt, flushRetries, err)
	}
	s.degraded = true
	return fmt.Errorf("history flush failed after %d attempts: %w", flushRetries, err)
}

func (s *Store) flushOnce() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	perPage := (s.pageSize - pageOverhead) / recordSize
	for i := 0; i < len(s.pending); i += perPage {
		end := i + perPage
		if end > len(s.pending) {
			end = len(s.pending)
		}
		if _, err := f.Write(encodePage(s.pending[i:end], s.pageSize)); err != nil {
			return err
		}
	}
	return f.Sync()
}

// Scan returns every record with t1 <= timestamp <= t2 in ascending order.
func (s *Store) Scan(t1, t2 int64) []Record {
	return s.tree.Scan(t1, t2)
}

// Len returns the number of records held in memory.
func (s *Store) Len() int { return s.tree.Len() }

// Compact drops every record with timestamp < before and rewrites the file.
// This is the explicit retention path; records are never removed otherwise.
func (s *Store) Compact(before int64) error {
	kept := s.tree.Scan(before, math.MaxInt64)
	s.tree = NewTree(s.tree.Order())
	for _, rec := range kept {
		s.tree.Insert(rec)
	}
	if s.path == "" {
		return nil
	}
	if err := s.writeHeader(); err != nil {
		return err
	}
	s.pending = append(s.pending[:0], kept...)
	return s.Flush()
}

// encodePage packs up to a page worth of records with a trailing CRC.
func encodePage(records []Record, pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(records)))
	off := 2
	for _, rec := range records {
		binary.LittleEndian.PutUint64(buf[off:], uint64(rec.Timestamp))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Entity))
		binary.LittleEndian.PutUint64(buf[off+16:], math.Float64bits(rec.Value))
		off += recordSize
	}
	crc := crc32.ChecksumIEEE(buf[:pageSize-4])
	binary.LittleEndian.PutUint32(buf[pageSize-4:], crc)
	return buf
}

// decodePage verifies the CRC envelope and unpacks the page's records.
func decodePage(buf []byte) ([]Record, bool) {
	pageSize := len(buf)
	want := binary.LittleEndian.Uint32(buf[pageSize-4:])
	if crc32.ChecksumIEEE(buf[:pageSize-4]) != want {
		return nil, false
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	if count*recordSize+pageOverhead > pageSize {
		return nil, false
	}
	records := make([]Record, count)
	off := 2
	for i := 0; i < count; i++ {
		records[i] = Record{
			Timestamp: int64(binary.LittleEndian.Uint64(buf[off:])),
			Entity:    int64(binary.LittleEndian.Uint64(buf[off+8:])),
			Value:     math.Float64frombits(binary.LittleEndian.Uint64(buf[off+16:])),
		}
		off += recordSize
	}
	return records, true
}
