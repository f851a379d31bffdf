// Package objfile implements ObjOnDisk: the on-disk layout of a single
// object version file — an encrypted header, a segment table describing
// how the version's logical byte stream is assembled, and the segments
// themselves (either bytes physically present in this file, or a pointer
// into an immediate base version to be resolved by diff).
//
// The encryption pipeline that produces the header and segment bytes is an
// external collaborator (§1); this package treats them as opaque blobs it
// never interprets, only stores, copies, and relocates.
package objfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/3nsoft-go/synced-objstore/internal/chunkhash"
)

const (
	magic       = "OBJ1"
	magicLen    = 4
	headerLenSz = 8
	segCountSz  = 8
	segRecordSz = 1 + 8 + 8 + 8 + 4 // kind, ofs, len, extra, checksum
)

// SegmentKind identifies how a Segment's bytes are sourced.
type SegmentKind uint8

const (
	// SegDisk bytes are physically present in this file's data region.
	SegDisk SegmentKind = iota
	// SegBase bytes must be read from the immediate base version, at the
	// same relative offset recorded in Extra.
	SegBase
	// SegMissing bytes have not yet been downloaded; Extra is unused.
	SegMissing
)

// Segment is one entry of a version file's segment table, describing a
// contiguous range [Ofs, Ofs+Len) of the version's logical content.
type Segment struct {
	Kind     SegmentKind
	Ofs      uint64
	Len      uint64
	Extra    uint64 // disk offset (SegDisk) or base offset (SegBase); unused for SegMissing
	Checksum uint32 // chunkhash.Sum32 of the segment bytes, valid for SegDisk only
}

// End returns the exclusive logical end offset of the segment.
func (s Segment) End() uint64 { return s.Ofs + s.Len }

// Avail describes one piece of the answer to ReadSegsOnlyFromDisk: either a
// range resolvable purely from this file (Kind == SegDisk, with bytes
// already read into Data), or a hole the caller must resolve another way
// (SegBase or SegMissing, with no Data).
type Avail struct {
	Kind SegmentKind
	Ofs  uint64
	Len  uint64
	Data []byte // populated only when Kind == SegDisk
}

// FileWrite is one sync point emitted while streaming a new version to
// disk: the logical range [Ofs, Ofs+Len) is now safely on disk and
// reflected in the in-memory segment table.
type FileWrite struct {
	Ofs uint64
	Len uint64
}

// BaseSegsGetter resolves bytes from an object's base version. Implementations
// are supplied by SyncedObj, which knows how to route a base-version read to
// either the local or the remote branch (or trigger a download).
type BaseSegsGetter func(ofs, length uint64) ([]byte, error)

// ObjOnDisk owns a single version file: its header, segment table, and (for
// writers) the underlying *os.File. Reads and the single writer must not run
// concurrently on the same value without external synchronization — in
// practice that synchronization is the per-object lock every mutating
// caller already holds.
type ObjOnDisk struct {
	mu       sync.RWMutex
	path     string
	header   []byte
	segments []Segment
	dataBase int64 // file offset where the data region starts

	f     *os.File // nil once the writer side has finished and closed it
	fatal error    // set if the write stream aborted; see Err in writer.go
}

// Header returns the version's encrypted header bytes.
func (o *ObjOnDisk) Header() []byte {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.header
}

// Segments returns a copy of the current segment table.
func (o *ObjOnDisk) Segments() []Segment {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Segment, len(o.segments))
	copy(out, o.segments)

	return out
}

// Len returns the logical length of the version's content: the end offset
// of the last segment, or 0 if there are none.
func (o *ObjOnDisk) Len() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.segments) == 0 {
		return 0
	}

	return o.segments[len(o.segments)-1].End()
}

// ForExistingFile opens path and parses its header and segment table. It
// does not read segment bytes; callers fetch those lazily through GetSrc.
func ForExistingFile(path string) (*ObjOnDisk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objfile: opening %s: %w", path, err)
	}

	header, segments, dataBase, err := readLayout(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("objfile: parsing layout of %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("objfile: closing %s after layout read: %w", path, err)
	}

	return &ObjOnDisk{path: path, header: header, segments: segments, dataBase: dataBase}, nil
}

// CreateFileForExistingVersion allocates a file skeleton for a version
// known to exist on the server, whose bytes will be filled in on demand by
// a Downloader. The whole logical range is recorded as a single SegMissing
// segment.
func CreateFileForExistingVersion(path string, header []byte, totalLen uint64) (*ObjOnDisk, error) {
	o := &ObjOnDisk{
		path:   path,
		header: header,
	}

	if totalLen > 0 {
		o.segments = []Segment{{Kind: SegMissing, Ofs: 0, Len: totalLen}}
	}

	if err := o.writeLayoutOnlyFile(); err != nil {
		return nil, fmt.Errorf("objfile: creating skeleton for %s: %w", path, err)
	}

	return o, nil
}

// writeLayoutOnlyFile writes header + segment table with no data region,
// used for a freshly created remote-version skeleton.
func (o *ObjOnDisk) writeLayoutOnlyFile() error {
	f, err := os.OpenFile(o.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeLayout(f, o.header, o.segments); err != nil {
		return err
	}

	o.dataBase = int64(magicLen) + headerLenSz + int64(len(o.header)) + segCountSz + int64(len(o.segments))*segRecordSz

	return nil
}

// readLayout parses the fixed-format header described in objfile.go's doc
// comment from r, returning the header bytes, segment table, and the file
// offset where the data region begins.
func readLayout(r io.Reader) ([]byte, []Segment, int64, error) {
	br := bufio.NewReader(r)

	var m [magicLen]byte
	if _, err := io.ReadFull(br, m[:]); err != nil {
		return nil, nil, 0, fmt.Errorf("reading magic: %w", err)
	}

	if string(m[:]) != magic {
		return nil, nil, 0, fmt.Errorf("bad magic %q", m[:])
	}

	headerLen, err := readU64(br)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reading header length: %w", err)
	}

	header := make([]byte, headerLen)
	if headerLen > 0 {
		if _, err := io.ReadFull(br, header); err != nil {
			return nil, nil, 0, fmt.Errorf("reading header: %w", err)
		}
	}

	segCount, err := readU64(br)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("reading segment count: %w", err)
	}

	segments := make([]Segment, 0, segCount)

	for i := uint64(0); i < segCount; i++ {
		seg, err := readSegment(br)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("reading segment %d: %w", i, err)
		}

		segments = append(segments, seg)
	}

	dataBase := int64(magicLen) + headerLenSz + int64(headerLen) + segCountSz + int64(segCount)*segRecordSz

	return header, segments, dataBase, nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

func readSegment(r io.Reader) (Segment, error) {
	var buf [segRecordSz]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Segment{}, err
	}

	return Segment{
		Kind:     SegmentKind(buf[0]),
		Ofs:      binary.BigEndian.Uint64(buf[1:9]),
		Len:      binary.BigEndian.Uint64(buf[9:17]),
		Extra:    binary.BigEndian.Uint64(buf[17:25]),
		Checksum: binary.BigEndian.Uint32(buf[25:29]),
	}, nil
}

// writeLayout writes header + segment table (no data region) to w, leaving
// the writer positioned at the start of the data region.
func writeLayout(w io.Writer, header []byte, segments []Segment) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}

	if err := writeU64(w, uint64(len(header))); err != nil {
		return err
	}

	if len(header) > 0 {
		if _, err := w.Write(header); err != nil {
			return err
		}
	}

	if err := writeU64(w, uint64(len(segments))); err != nil {
		return err
	}

	for _, seg := range segments {
		if err := writeSegment(w, seg); err != nil {
			return err
		}
	}

	return nil
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])

	return err
}

func writeSegment(w io.Writer, seg Segment) error {
	var buf [segRecordSz]byte
	buf[0] = byte(seg.Kind)
	binary.BigEndian.PutUint64(buf[1:9], seg.Ofs)
	binary.BigEndian.PutUint64(buf[9:17], seg.Len)
	binary.BigEndian.PutUint64(buf[17:25], seg.Extra)
	binary.BigEndian.PutUint32(buf[25:29], seg.Checksum)
	_, err := w.Write(buf[:])

	return err
}

// verifySegment confirms data matches seg's recorded checksum, returning an
// error classed for §7e (corruption) if it does not.
func verifySegment(seg Segment, data []byte) error {
	if seg.Checksum == 0 {
		return nil
	}

	if got := chunkhash.Sum32(data); got != seg.Checksum {
		return fmt.Errorf("objfile: segment [%d,%d) checksum mismatch: got %08x want %08x",
			seg.Ofs, seg.End(), got, seg.Checksum)
	}

	return nil
}
