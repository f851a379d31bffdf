package objfile

import (
	"fmt"
	"os"
)

// ObjSource is a random-access reader over a version's logical byte
// stream, assembled by concatenating this file's disk segments and, for
// base-pointer segments, delegating to a caller-supplied BaseSegsGetter.
type ObjSource struct {
	o        *ObjOnDisk
	baseSegs BaseSegsGetter
}

// GetSrc returns an ObjSource over o. baseSegs is consulted for any segment
// that is a base pointer; it may be nil if o is known to have none.
func (o *ObjOnDisk) GetSrc(baseSegs BaseSegsGetter) *ObjSource {
	return &ObjSource{o: o, baseSegs: baseSegs}
}

// Read returns the length bytes of logical content starting at ofs,
// resolving each underlying segment in turn. A SegMissing segment with no
// downloader wired through a BaseSegsGetter-less reader is an error: callers
// that might encounter missing segments should use ReadSegsOnlyFromDisk
// instead and resolve holes themselves (e.g. via a Downloader).
func (s *ObjSource) Read(ofs, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	end := ofs + length

	segs := s.o.Segments()

	for cur := ofs; cur < end; {
		seg, found := segmentContaining(segs, cur)
		if !found {
			return nil, fmt.Errorf("objfile: no segment covers offset %d", cur)
		}

		segEnd := seg.End()
		wantEnd := min(end, segEnd)
		chunkLen := wantEnd - cur
		relOfs := cur - seg.Ofs

		data, err := s.readSegmentRange(seg, relOfs, chunkLen)
		if err != nil {
			return nil, err
		}

		out = append(out, data...)
		cur = wantEnd
	}

	return out, nil
}

func (s *ObjSource) readSegmentRange(seg Segment, relOfs, length uint64) ([]byte, error) {
	switch seg.Kind {
	case SegDisk:
		return s.o.readDiskRange(seg.Extra+relOfs, length)

	case SegBase:
		if s.baseSegs == nil {
			return nil, fmt.Errorf("objfile: segment at %d needs a base but none was supplied", seg.Ofs)
		}

		return s.baseSegs(seg.Extra+relOfs, length)

	case SegMissing:
		if s.baseSegs == nil {
			return nil, fmt.Errorf("objfile: segment at %d is missing and no resolver was supplied", seg.Ofs)
		}

		// A missing-remote-segment resolver is keyed by *this version's*
		// logical offset, not a base offset; callers wire a downloader in
		// that shape via BaseSegsGetter for both roles.
		return s.baseSegs(seg.Ofs+relOfs, length)

	default:
		return nil, fmt.Errorf("objfile: unknown segment kind %d", seg.Kind)
	}
}

// readDiskRange reads length bytes at relative disk offset relOfs (i.e.
// dataBase+relOfs in the underlying file). It does not check the bytes
// against any segment's checksum.
func (o *ObjOnDisk) readDiskRange(relOfs, length uint64) ([]byte, error) {
	o.mu.RLock()
	path := o.path
	dataBase := o.dataBase
	f := o.f
	o.mu.RUnlock()

	buf := make([]byte, length)

	if f != nil {
		if _, err := f.ReadAt(buf, dataBase+int64(relOfs)); err != nil {
			return nil, fmt.Errorf("objfile: reading open file: %w", err)
		}

		return buf, nil
	}

	rf, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objfile: opening %s for read: %w", path, err)
	}
	defer rf.Close()

	if _, err := rf.ReadAt(buf, dataBase+int64(relOfs)); err != nil {
		return nil, fmt.Errorf("objfile: reading %s: %w", path, err)
	}

	return buf, nil
}

// segmentContaining returns the segment covering logical offset ofs.
func segmentContaining(segs []Segment, ofs uint64) (Segment, bool) {
	for _, seg := range segs {
		if ofs >= seg.Ofs && ofs < seg.End() {
			return seg, true
		}
	}

	return Segment{}, false
}

// ReadSegsOnlyFromDisk returns the segments covering [ofs, ofs+length)
// purely from this file's disk-resident data, reporting any segment that is
// a base pointer or genuinely missing as an Avail entry with no Data so a
// higher-level strategy (SyncedObj) can resolve it.
func (o *ObjOnDisk) ReadSegsOnlyFromDisk(ofs, length uint64) ([]Avail, error) {
	var out []Avail

	end := ofs + length
	segs := o.Segments()

	for cur := ofs; cur < end; {
		seg, found := segmentContaining(segs, cur)
		if !found {
			return nil, fmt.Errorf("objfile: no segment covers offset %d", cur)
		}

		segEnd := seg.End()
		wantEnd := min(end, segEnd)
		chunkLen := wantEnd - cur

		if seg.Kind == SegDisk {
			relOfs := cur - seg.Ofs
			data, err := o.readDiskRange(seg.Extra+relOfs, chunkLen)
			if err != nil {
				return nil, err
			}

			out = append(out, Avail{Kind: SegDisk, Ofs: cur, Len: chunkLen, Data: data})
		} else {
			out = append(out, Avail{Kind: seg.Kind, Ofs: cur, Len: chunkLen})
		}

		cur = wantEnd
	}

	return out, nil
}
