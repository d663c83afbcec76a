package streamarc

// Compression methods, as recorded in ZIP headers. TAR output is never
// compressed regardless of the configured method.
const (
	Store   uint16 = 0
	Deflate uint16 = 8
)

// encoder is the format capability behind an Archive. An entry is produced
// by exactly one init, any number of streamPart calls and one
// completeStream; finish seals the archive.
type encoder interface {
	// init opens an entry and emits its header. size is the declared body
	// length; the ZIP encoder defers the real sizes to the data descriptor
	// and ignores it, the TAR encoder writes it into the header.
	init(name string, size int64, opts *entryOptions, method uint16, dir bool) error

	// streamPart delivers one chunk of body bytes. singlePart reports that
	// p is the entire body, the only mode in which compression may be
	// applied.
	streamPart(p []byte, singlePart bool) error

	// completeStream closes the open entry, emitting trailing records or
	// padding the format requires.
	completeStream() error

	// finish emits the end-of-archive structures. The encoder is spent
	// afterwards.
	finish() error
}

// streamState is the rolling bookkeeping for the one entry that may be open
// at a time. It is created by init and consumed by completeStream.
type streamState struct {
	name    string
	method  uint16
	dir     bool
	size    int64 // declared body length, TAR only trusts this
	written uint64
}
