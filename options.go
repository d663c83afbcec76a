package streamarc

import (
	"errors"
	"strings"
	"time"
)

// Default tunables.
const (
	// DefaultLargeFileThreshold is the body size above which
	// AddFileFromSource switches to chunked, uncompressed streaming.
	DefaultLargeFileThreshold = 20 << 20

	// DefaultChunkSize is the read size used for chunked streaming.
	DefaultChunkSize = 1 << 20
)

const (
	defaultErrorLogName   = "archive-errors.log"
	defaultErrorLogHeader = "The following problems occurred while this archive was being created:"
)

var (
	ErrMinChunkSize        = errors.New("chunk size must be at least 1 byte")
	ErrMinThreshold        = errors.New("large file threshold must be at least 1 byte")
	ErrCommentTooLong      = errors.New("archive comment must be at most 65535 bytes")
	ErrEntryCommentTooLong = errors.New("entry comment must be at most 65535 bytes")
	ErrEmptyErrorLog       = errors.New("error log name must not be empty")
)

// Option is an option used when creating an archive.
type Option func(*archiveOptions) error

type archiveOptions struct {
	comment        string
	method         uint16
	level          int
	threshold      int64
	chunkSize      int
	forceChunking  bool
	containerDir   string
	errorLogName   string
	errorLogHeader string
	onFirstByte    func() error
}

// WithComment sets the archive-level comment. ZIP stores it in the
// end-of-central-directory trailer; TAR has no archive comment and ignores
// it.
func WithComment(comment string) Option {
	return func(o *archiveOptions) error {
		if len(comment) > 0xFFFF {
			return ErrCommentTooLong
		}
		o.comment = comment
		return nil
	}
}

// WithMethod sets the compression method used for whole-buffer file
// entries. The default is Deflate. The method must be Store, Deflate or one
// registered via RegisterCompressor.
func WithMethod(method uint16) Option {
	return func(o *archiveOptions) error {
		o.method = method
		return nil
	}
}

// WithCompressionLevel sets the flate compression level used by the
// built-in Deflate compressor.
func WithCompressionLevel(level int) Option {
	return func(o *archiveOptions) error {
		o.level = level
		return nil
	}
}

// WithLargeFileThreshold sets the body size above which AddFileFromSource
// streams in chunks instead of buffering. The default is
// DefaultLargeFileThreshold.
func WithLargeFileThreshold(n int64) Option {
	return func(o *archiveOptions) error {
		if n <= 0 {
			return ErrMinThreshold
		}
		o.threshold = n
		return nil
	}
}

// WithChunkSize sets the read size for chunked streaming. The default is
// DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(o *archiveOptions) error {
		if n <= 0 {
			return ErrMinChunkSize
		}
		o.chunkSize = n
		return nil
	}
}

// WithForceChunking makes AddFileFromSource stream every source in chunks
// regardless of its size. Chunked entries are never compressed.
func WithForceChunking() Option {
	return func(o *archiveOptions) error {
		o.forceChunking = true
		return nil
	}
}

// WithContainerDir places every entry under the given directory inside the
// archive. The synthetic error log entry is exempt and stays at the
// archive root.
func WithContainerDir(dir string) Option {
	return func(o *archiveOptions) error {
		if dir = strings.Trim(dir, "/"); dir != "" {
			o.containerDir = dir + "/"
		}
		return nil
	}
}

// WithErrorLog sets the name and header line of the synthetic log entry
// written at finish time when errors were pushed.
func WithErrorLog(name, header string) Option {
	return func(o *archiveOptions) error {
		if name == "" {
			return ErrEmptyErrorLog
		}
		o.errorLogName = name
		o.errorLogHeader = header
		return nil
	}
}

// WithFirstByteFunc registers a hook invoked exactly once, immediately
// before the first archive byte is sent. Callers use it to emit transport
// headers lazily.
func WithFirstByteFunc(fn func() error) Option {
	return func(o *archiveOptions) error {
		o.onFirstByte = fn
		return nil
	}
}

func newArchiveOptions(opts []Option) (*archiveOptions, error) {
	o := &archiveOptions{
		method:         Deflate,
		level:          -1, // flate default
		threshold:      DefaultLargeFileThreshold,
		chunkSize:      DefaultChunkSize,
		errorLogName:   defaultErrorLogName,
		errorLogHeader: defaultErrorLogHeader,
	}
	for _, fn := range opts {
		if err := fn(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// EntryOption is an option applied to a single entry.
type EntryOption func(*entryOptions) error

type entryOptions struct {
	modTime time.Time
	comment string
}

// WithModTime sets the entry's modification time. The default is the time
// the entry is added.
func WithModTime(t time.Time) EntryOption {
	return func(o *entryOptions) error {
		o.modTime = t
		return nil
	}
}

// WithEntryComment sets the entry's free-text comment. ZIP stores it in the
// central directory; TAR ignores it.
func WithEntryComment(comment string) EntryOption {
	return func(o *entryOptions) error {
		if len(comment) > 0xFFFF {
			return ErrEntryCommentTooLong
		}
		o.comment = comment
		return nil
	}
}

func newEntryOptions(opts []EntryOption) (*entryOptions, error) {
	eo := &entryOptions{modTime: time.Now()}
	for _, o := range opts {
		if err := o(eo); err != nil {
			return nil, err
		}
	}
	return eo, nil
}
