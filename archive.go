// Package streamarc generates TAR and ZIP (Zip64) archives incrementally,
// emitting bytes to a non-seekable destination as each entry is processed.
// Neither the total archive size nor, for chunked entries, the per-file
// compressed size needs to be known before the data is read, which makes
// the package suited to assembling a download while it is being sent.
//
// An Archive is a single-use value driven by one goroutine: add entries,
// then call Finish exactly once. At most one streamed entry may be open at
// a time.
package streamarc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrEntryOpen   = errors.New("an entry is already open for streaming")
	ErrEntryClosed = errors.New("entry has already been closed")
	ErrFinished    = errors.New("archive has already been finished")
)

var defaultCompressor = FlateCompressor(-1)

type archiveState int

const (
	stateIdle archiveState = iota
	stateStreamOpen
	stateFinished
)

// Archive incrementally writes one TAR or ZIP archive to a destination
// writer. It is not safe for concurrent use.
type Archive struct {
	enc     encoder
	zip     *zip64Encoder // nil for TAR archives
	s       *sink
	options archiveOptions
	state   archiveState
	errs    []string
	entries int64
}

// NewZip returns an Archive that emits Zip64 structures to w.
func NewZip(w io.Writer, opts ...Option) (*Archive, error) {
	o, err := newArchiveOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &sink{w: w, onFirst: o.onFirstByte}
	enc := &zip64Encoder{s: s, comment: o.comment, compressors: make(map[uint16]Compressor)}

	a := &Archive{enc: enc, zip: enc, s: s, options: *o}
	if o.level == -1 {
		a.RegisterCompressor(Deflate, defaultCompressor)
	} else {
		a.RegisterCompressor(Deflate, FlateCompressor(o.level))
	}
	return a, nil
}

// NewTar returns an Archive that emits ustar/PAX structures to w.
func NewTar(w io.Writer, opts ...Option) (*Archive, error) {
	o, err := newArchiveOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &sink{w: w, onFirst: o.onFirstByte}
	return &Archive{enc: &tarEncoder{s: s}, s: s, options: *o}, nil
}

// RegisterCompressor registers a custom compressor for a ZIP method id.
// Deflate is built in. TAR archives never compress and ignore this.
func (a *Archive) RegisterCompressor(method uint16, comp Compressor) {
	if a.zip != nil {
		a.zip.compressors[method] = comp
	}
}

// Written returns how many bytes and entries have been written so far.
func (a *Archive) Written() (bytes, entries int64) {
	return a.s.offset, a.entries
}

// AddFile writes one entry whose whole body is in memory. The configured
// compression method applies.
func (a *Archive) AddFile(name string, data []byte, opts ...EntryOption) error {
	eo, err := newEntryOptions(opts)
	if err != nil {
		return err
	}
	if err = a.open(); err != nil {
		return err
	}
	start := a.s.offset
	if err = a.enc.init(a.entryName(name), int64(len(data)), eo, a.options.method, false); err != nil {
		return a.fail(start, err)
	}
	if err = a.enc.streamPart(data, true); err != nil {
		return a.abort(err)
	}
	return a.close()
}

// AddDirectory writes a zero-length directory entry. A trailing separator
// is added if missing.
func (a *Archive) AddDirectory(name string, opts ...EntryOption) error {
	eo, err := newEntryOptions(opts)
	if err != nil {
		return err
	}
	if err = a.open(); err != nil {
		return err
	}

	name = strings.TrimSuffix(name, "/") + "/"
	start := a.s.offset
	if err = a.enc.init(a.entryName(name), 0, eo, Store, true); err != nil {
		return a.fail(start, err)
	}
	return a.close()
}

// Create opens a streamed entry of the given declared size and returns a
// writer for its body. The entry is stored uncompressed. No other entry
// may be opened, and the archive may not be finished, until the writer is
// closed. The body must total exactly size bytes for the archive to stay
// valid.
func (a *Archive) Create(name string, size int64, opts ...EntryOption) (io.WriteCloser, error) {
	eo, err := newEntryOptions(opts)
	if err != nil {
		return nil, err
	}
	if err = a.open(); err != nil {
		return nil, err
	}
	start := a.s.offset
	if err = a.enc.init(a.entryName(name), size, eo, Store, false); err != nil {
		return nil, a.fail(start, err)
	}
	return &entryWriter{a: a}, nil
}

// AddFileFromSource writes one entry read from src, which is always closed
// before returning. Bodies at most the large-file threshold are buffered
// and compressed like AddFile; larger ones (or all of them, with
// WithForceChunking) are streamed in chunks and stored uncompressed.
//
// A failing or truncated source does not fail the archive: the entry is
// zero-filled to its declared size, the failure is recorded for the
// error-log entry, and nil is returned so remaining files can follow.
func (a *Archive) AddFileFromSource(name string, src Source, opts ...EntryOption) (err error) {
	defer dclose(src, &err)

	size := src.Size()
	if size < 0 {
		a.PushError(fmt.Sprintf("%s: source reports size %d", name, size))
		return nil
	}
	if size <= a.options.threshold && !a.options.forceChunking {
		data := make([]byte, size)
		if _, rerr := io.ReadFull(src, data); rerr != nil {
			a.PushError(fmt.Sprintf("%s: %v", name, rerr))
			return nil
		}
		return a.AddFile(name, data, opts...)
	}

	w, err := a.Create(name, size, opts...)
	if err != nil {
		return err
	}

	buf := make([]byte, a.options.chunkSize)
	var sent int64
	var readErr error
	for sent < size {
		limit := int64(len(buf))
		if remaining := size - sent; remaining < limit {
			limit = remaining
		}

		n, rerr := src.Read(buf[:limit])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
		}
		if rerr != nil {
			if rerr != io.EOF {
				readErr = rerr
			}
			break
		}
	}

	if sent < size {
		if readErr != nil {
			a.PushError(fmt.Sprintf("%s: %v after %d of %d bytes", name, readErr, sent, size))
		} else {
			a.PushError(fmt.Sprintf("%s: source ended after %d of %d bytes", name, sent, size))
		}

		// Zero-fill to the declared size so this entry, and every entry
		// after it, stays structurally valid.
		clear(buf)
		for sent < size {
			limit := int64(len(buf))
			if remaining := size - sent; remaining < limit {
				limit = remaining
			}
			if _, werr := w.Write(buf[:limit]); werr != nil {
				return werr
			}
			sent += limit
		}
	}

	return w.Close()
}

// PushError records a message for the synthetic error-log entry written at
// finish time. It never fails and does not alter already-sent bytes.
func (a *Archive) PushError(msg string) {
	a.errs = append(a.errs, msg)
}

// Finish writes the end-of-archive structures and makes the archive
// terminal. If errors were pushed, a log entry carrying them is written
// first, at the archive root even when a container directory is
// configured.
func (a *Archive) Finish() error {
	switch a.state {
	case stateStreamOpen:
		return ErrEntryOpen
	case stateFinished:
		return ErrFinished
	}

	if len(a.errs) > 0 {
		content := a.options.errorLogHeader + "\n\n" + strings.Join(a.errs, "\n") + "\n"
		eo := &entryOptions{modTime: time.Now()}

		a.state = stateStreamOpen
		start := a.s.offset
		if err := a.enc.init(a.options.errorLogName, int64(len(content)), eo, Store, false); err != nil {
			return a.fail(start, err)
		}
		if err := a.enc.streamPart([]byte(content), true); err != nil {
			return a.abort(err)
		}
		if err := a.close(); err != nil {
			return err
		}
	}

	err := a.enc.finish()
	a.state = stateFinished
	a.errs = nil
	return err
}

// open transitions Idle -> StreamOpen, rejecting the call in any other
// state before any bytes can be written.
func (a *Archive) open() error {
	switch a.state {
	case stateStreamOpen:
		return ErrEntryOpen
	case stateFinished:
		return ErrFinished
	}
	a.state = stateStreamOpen
	return nil
}

// close completes the open entry and returns to Idle.
func (a *Archive) close() error {
	if err := a.enc.completeStream(); err != nil {
		return a.abort(err)
	}
	a.state = stateIdle
	a.entries++
	return nil
}

// abort makes the archive terminal after a delivery failure: bytes may
// already be on the wire, so the stream cannot be repaired, only
// abandoned.
func (a *Archive) abort(err error) error {
	a.state = stateFinished
	return err
}

// fail reports an error from opening an entry. If nothing reached the sink
// since start the archive returns to Idle and stays usable; once bytes are
// out it is terminal.
func (a *Archive) fail(start int64, err error) error {
	if a.s.offset == start {
		a.state = stateIdle
		return err
	}
	return a.abort(err)
}

func (a *Archive) entryName(name string) string {
	name = strings.TrimLeft(name, "/")
	if a.options.containerDir != "" {
		name = a.options.containerDir + name
	}
	return name
}

// entryWriter is the body writer handed out by Create.
type entryWriter struct {
	a      *Archive
	closed bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrEntryClosed
	}
	if w.a.state != stateStreamOpen {
		return 0, ErrFinished
	}
	if err := w.a.enc.streamPart(p, false); err != nil {
		return 0, w.a.abort(err)
	}
	return len(p), nil
}

func (w *entryWriter) Close() error {
	if w.closed {
		return ErrEntryClosed
	}
	w.closed = true
	if w.a.state != stateStreamOpen {
		return ErrFinished
	}
	return w.a.close()
}
