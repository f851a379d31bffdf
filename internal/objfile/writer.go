package objfile

import (
	"fmt"
	"io"
	"os"

	"github.com/3nsoft-go/synced-objstore/internal/chunkhash"
)

// writeBatchSize is the sync-point granularity for CreateFileForWriteOfNewVersion:
// every writeBatchSize bytes (or end of stream) produces one FileWrite event,
// matching the teacher's chunked-upload granularity (internal/driveops
// session transfers in 10MiB-ish units, here smaller since these are local
// writes, not network transfers).
const writeBatchSize = 1 << 20 // 1 MiB

// CreateFileForWriteOfNewVersion creates a brand-new local version file at
// path and subscribes to encStream, copying it into the file's data region
// in writeBatchSize chunks. Each chunk that lands on disk is reported on the
// returned channel as a FileWrite sync point; readers may only rely on
// offsets already reported this way (see package doc on concurrency). The
// channel is closed when the stream is fully consumed; Err returns the
// terminal error, if any, after the channel closes.
//
// If encStream errors mid-write, the partial file is removed and Err
// reports the failure — callers must not keep using obj in that case.
func CreateFileForWriteOfNewVersion(path string, header []byte, encStream io.Reader) (obj *ObjOnDisk, writes <-chan FileWrite, err error) {
	f, ferr := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if ferr != nil {
		return nil, nil, fmt.Errorf("objfile: creating %s: %w", path, ferr)
	}

	o := &ObjOnDisk{path: path, header: header, f: f}

	if werr := writeLayout(f, header, nil); werr != nil {
		f.Close()
		os.Remove(path)

		return nil, nil, fmt.Errorf("objfile: writing layout for %s: %w", path, werr)
	}

	dataBase, serr := f.Seek(0, io.SeekCurrent)
	if serr != nil {
		f.Close()
		os.Remove(path)

		return nil, nil, fmt.Errorf("objfile: seeking data region of %s: %w", path, serr)
	}

	o.dataBase = dataBase

	ch := make(chan FileWrite)

	go o.streamWrite(encStream, ch)

	return o, ch, nil
}

// fatal is guarded by mu like every other field of ObjOnDisk.
func (o *ObjOnDisk) streamWrite(encStream io.Reader, ch chan<- FileWrite) {
	defer close(ch)

	buf := make([]byte, writeBatchSize)
	var logicalOfs uint64

	for {
		n, rerr := io.ReadFull(encStream, buf)
		if n > 0 {
			if werr := o.appendDiskSegment(buf[:n], logicalOfs); werr != nil {
				o.abortWrite(werr)
				return
			}

			ch <- FileWrite{Ofs: logicalOfs, Len: uint64(n)}
			logicalOfs += uint64(n)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			o.finishWrite()
			return
		}

		if rerr != nil {
			o.abortWrite(fmt.Errorf("objfile: reading encrypted stream: %w", rerr))
			return
		}
	}
}

// appendDiskSegment writes data at the file's current append position,
// records it as a new SegDisk segment, and rewrites the segment table.
func (o *ObjOnDisk) appendDiskSegment(data []byte, logicalOfs uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	diskOfs, err := o.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking to append: %w", err)
	}

	if _, err := o.f.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	relDiskOfs := uint64(diskOfs - o.dataBase)
	o.segments = append(o.segments, Segment{
		Kind:     SegDisk,
		Ofs:      logicalOfs,
		Len:      uint64(len(data)),
		Extra:    relDiskOfs,
		Checksum: chunkhash.Sum32(data),
	})

	return o.rewriteLayoutLocked()
}

// rewriteLayoutLocked rewrites the header+segment-table prefix in place.
// Called with mu held. Safe because the prefix is fixed-size per call (the
// segment table only grows monotonically in this writer, and the data
// region always starts at the same dataBase computed at creation time plus
// any table growth — so growth is handled by relocating the data region).
func (o *ObjOnDisk) rewriteLayoutLocked() error {
	wantBase := int64(magicLen) + headerLenSz + int64(len(o.header)) + segCountSz + int64(len(o.segments))*segRecordSz

	if wantBase != o.dataBase {
		if err := o.relocateDataRegionLocked(wantBase); err != nil {
			return err
		}
	}

	if _, err := o.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to layout: %w", err)
	}

	if err := writeLayout(o.f, o.header, o.segments); err != nil {
		return fmt.Errorf("writing layout: %w", err)
	}

	return nil
}

// relocateDataRegionLocked grows the fixed-size prefix (because the
// segment table gained another entry) by shifting the existing data region
// later in the file. Called with mu held.
func (o *ObjOnDisk) relocateDataRegionLocked(newBase int64) error {
	dataLen, err := o.f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking to end: %w", err)
	}

	dataLen -= o.dataBase

	if dataLen > 0 {
		buf := make([]byte, dataLen)

		if _, err := o.f.ReadAt(buf, o.dataBase); err != nil {
			return fmt.Errorf("reading data region for relocation: %w", err)
		}

		if _, err := o.f.WriteAt(buf, newBase); err != nil {
			return fmt.Errorf("writing relocated data region: %w", err)
		}
	}

	// Segment.Extra for SegDisk entries is stored relative to dataBase, so
	// shifting the whole data region by delta and updating dataBase alone
	// keeps every existing segment's recorded offset valid.
	o.dataBase = newBase

	return nil
}

// finishWrite closes the file handle. Reads after this point open a fresh
// read-only handle via the path.
func (o *ObjOnDisk) finishWrite() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.f != nil {
		o.f.Close()
		o.f = nil
	}
}

// abortWrite removes the partial file on a failed stream. This also
// deletes the object folder's sole file when this was version 1 of a
// brand-new object, since ObjFiles.saveFirstVersion removes the whole
// folder on error — abortWrite only needs to clean up this file.
func (o *ObjOnDisk) abortWrite(err error) {
	o.mu.Lock()
	path := o.path
	if o.f != nil {
		o.f.Close()
		o.f = nil
	}
	o.mu.Unlock()

	os.Remove(path)
	o.recordFatal(err)
}

func (o *ObjOnDisk) recordFatal(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.fatal = err
}

// Err returns the terminal write error, if the write stream aborted.
func (o *ObjOnDisk) Err() error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.fatal
}
