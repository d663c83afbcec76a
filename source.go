package streamarc

import (
	"io"
	"os"
)

// Source supplies the body of an entry whose bytes are read incrementally.
// Size is consulted before any read to decide between buffering the whole
// body and chunked streaming.
type Source interface {
	io.Reader
	io.Closer

	// Size returns the body length in bytes.
	Size() int64
}

type readerSource struct {
	io.Reader
	size int64
}

func (r readerSource) Size() int64 { return r.size }

func (r readerSource) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReaderSource adapts r into a Source of the given size. If r implements
// io.Closer it is closed when the source is closed.
func ReaderSource(r io.Reader, size int64) Source {
	return readerSource{r, size}
}

type fileSource struct {
	*os.File
	size int64
}

func (f fileSource) Size() int64 { return f.size }

// FileSource opens the file at path and returns it as a Source sized by
// stat.
func FileSource(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	return fileSource{f, fi.Size()}, nil
}
