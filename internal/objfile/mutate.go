package objfile

import (
	"fmt"
	"os"
)

// AbsorbImmediateBaseVersion rewrites o so that every SegBase segment is
// resolved against basePath's data and appended to
// o's own data region, after which the base reference is dropped entirely.
// This is what lets an upload never reference a purely-local base version
// (SyncedObj.combineLocalBaseIfPresent): once absorbed, o is self-contained.
func (o *ObjOnDisk) AbsorbImmediateBaseVersion(basePath string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	base, err := ForExistingFile(basePath)
	if err != nil {
		return fmt.Errorf("objfile: opening base %s for absorption: %w", basePath, err)
	}

	f, err := os.OpenFile(o.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("objfile: reopening %s for absorption: %w", o.path, err)
	}
	defer f.Close()

	newSegments := make([]Segment, 0, len(o.segments))

	for _, seg := range o.segments {
		if seg.Kind != SegBase {
			newSegments = append(newSegments, seg)
			continue
		}

		data, err := base.readDiskRange(seg.Extra, seg.Len)
		if err != nil {
			return fmt.Errorf("objfile: resolving base segment [%d,%d): %w", seg.Ofs, seg.End(), err)
		}

		diskOfs, err := f.Seek(0, 2)
		if err != nil {
			return fmt.Errorf("objfile: seeking to append during absorption: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("objfile: writing absorbed bytes: %w", err)
		}

		newSegments = append(newSegments, Segment{
			Kind:     SegDisk,
			Ofs:      seg.Ofs,
			Len:      seg.Len,
			Extra:    uint64(diskOfs - o.dataBase),
			Checksum: seg.Checksum,
		})
	}

	o.segments = newSegments

	if err := o.rewriteFullFileLocked(f); err != nil {
		return fmt.Errorf("objfile: rewriting layout after absorption: %w", err)
	}

	return nil
}

// rewriteFullFileLocked re-serializes header+segment table+data in place,
// used after an operation (absorption, header replacement) that may have
// changed the prefix length or relocated the data region. Called with mu
// held and f open read-write.
func (o *ObjOnDisk) rewriteFullFileLocked(f *os.File) error {
	newBase := int64(magicLen) + headerLenSz + int64(len(o.header)) + segCountSz + int64(len(o.segments))*segRecordSz

	var data []byte

	if o.dataBase > 0 {
		dataLen, err := f.Seek(0, 2)
		if err != nil {
			return err
		}

		dataLen -= o.dataBase

		if dataLen > 0 {
			data = make([]byte, dataLen)
			if _, err := f.ReadAt(data, o.dataBase); err != nil {
				return err
			}
		}
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	if err := writeLayout(f, o.header, o.segments); err != nil {
		return err
	}

	if len(data) > 0 {
		if _, err := f.Write(data); err != nil {
			return err
		}
	}

	if err := f.Truncate(newBase + int64(len(data))); err != nil {
		return err
	}

	o.dataBase = newBase

	return nil
}

// DiffFromBase returns the bytes this version adds over its immediate base
// (every SegDisk segment's data, concatenated in table order) plus the
// segment table in the order those bytes should be packed on the wire, for
// UpSyncer to upload as a diff version. Returns ErrNoBase if o has no
// SegBase segment at all — a version with no base uploads in full instead.
var ErrNoBase = fmt.Errorf("objfile: version has no base to diff against")

func (o *ObjOnDisk) DiffFromBase() (diff []byte, order []Segment, err error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	hasBase := false

	for _, seg := range o.segments {
		if seg.Kind == SegBase {
			hasBase = true
			break
		}
	}

	if !hasBase {
		return nil, nil, ErrNoBase
	}

	for _, seg := range o.segments {
		if seg.Kind != SegDisk {
			order = append(order, seg)
			continue
		}

		data, rerr := o.readDiskRangeRLocked(seg.Extra, seg.Len)
		if rerr != nil {
			return nil, nil, fmt.Errorf("objfile: reading segment for diff: %w", rerr)
		}

		diff = append(diff, data...)
		order = append(order, seg)
	}

	return diff, order, nil
}

// readDiskRangeRLocked is readDiskRange without re-acquiring the already
// held read lock.
func (o *ObjOnDisk) readDiskRangeRLocked(relOfs, length uint64) ([]byte, error) {
	buf := make([]byte, length)

	if o.f != nil {
		if _, err := o.f.ReadAt(buf, o.dataBase+int64(relOfs)); err != nil {
			return nil, err
		}

		return buf, nil
	}

	f, err := os.Open(o.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.ReadAt(buf, o.dataBase+int64(relOfs)); err != nil {
		return nil, err
	}

	return buf, nil
}

// MoveFileAndProxyThis atomically renames o's underlying file to newPath
// (the local→remote extension change on upload completion) and, if
// headerChange is non-nil, replaces the header bytes in place — used when
// the server rewrites the header during diff reconstruction.
func (o *ObjOnDisk) MoveFileAndProxyThis(newPath string, headerChange []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if headerChange != nil {
		f, err := os.OpenFile(o.path, os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("objfile: opening %s for header replacement: %w", o.path, err)
		}

		o.header = headerChange

		err = o.rewriteFullFileLocked(f)
		f.Close()

		if err != nil {
			return fmt.Errorf("objfile: replacing header of %s: %w", o.path, err)
		}
	}

	if o.f != nil {
		o.f.Close()
		o.f = nil
	}

	if err := os.Rename(o.path, newPath); err != nil {
		return fmt.Errorf("objfile: renaming %s to %s: %w", o.path, newPath, err)
	}

	o.path = newPath

	return nil
}

// Path returns the file's current on-disk path.
func (o *ObjOnDisk) Path() string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.path
}

// FillSegment records a downloaded range as disk-resident: the segment
// exactly matching [ofs, ofs+length) (SegMissing, or a SegBase) becomes a
// SegDisk segment holding data. data is written as given; it is not checked
// against the segment's recorded checksum.
func (o *ObjOnDisk) FillSegment(ofs, length uint64, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := -1

	for i, seg := range o.segments {
		if seg.Ofs == ofs && seg.Len == length {
			idx = i
			break
		}
	}

	if idx < 0 {
		return fmt.Errorf("objfile: no segment exactly matches [%d,%d) to fill", ofs, ofs+length)
	}

	f, err := os.OpenFile(o.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("objfile: opening %s to fill segment: %w", o.path, err)
	}
	defer f.Close()

	diskOfs, err := f.Seek(0, 2)
	if err != nil {
		return fmt.Errorf("objfile: seeking to append: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("objfile: writing filled segment: %w", err)
	}

	o.segments[idx] = Segment{
		Kind:     SegDisk,
		Ofs:      ofs,
		Len:      length,
		Extra:    uint64(diskOfs - o.dataBase),
		Checksum: o.segments[idx].Checksum,
	}

	if err := o.rewriteFullFileLocked(f); err != nil {
		return fmt.Errorf("objfile: rewriting layout after fill: %w", err)
	}

	return nil
}
