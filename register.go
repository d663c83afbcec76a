package streamarc

import (
	"io"
	"sync"

	stdflate "compress/flate"

	"github.com/klauspost/compress/flate"
)

// Compressor produces a WriteCloser that compresses the data written to it.
// Compressors are registered per ZIP method id with
// Archive.RegisterCompressor; Deflate is built in.
type Compressor func(w io.Writer) (io.WriteCloser, error)

type flater interface {
	Close() error
	Flush() error
	Reset(dst io.Writer)
	Write(data []byte) (n int, err error)
}

func newFlateWriterPool(level int, newWriterFn func(w io.Writer, level int) (flater, error)) *sync.Pool {
	pool := &sync.Pool{}
	pool.New = func() interface{} {
		fw, err := newWriterFn(nil, level)
		if err != nil {
			panic(err)
		}

		return &flateWriter{pool, fw}
	}
	return pool
}

type flateWriter struct {
	pool *sync.Pool
	flater
}

func (fw *flateWriter) Reset(w io.Writer) {
	fw.flater.Reset(w)
}

func (fw *flateWriter) Close() error {
	err := fw.flater.Close()
	fw.pool.Put(fw)
	return err
}

// FlateCompressor returns a pooled performant Compressor configured to a
// specified compression level. Invalid flate levels will panic.
func FlateCompressor(level int) Compressor {
	pool := newFlateWriterPool(level, func(w io.Writer, level int) (flater, error) {
		return flate.NewWriter(w, level)
	})

	return func(w io.Writer) (io.WriteCloser, error) {
		fw := pool.Get().(*flateWriter)
		fw.Reset(w)
		return fw, nil
	}
}

// StdFlateCompressor returns a pooled standard library Compressor
// configured to a specified compression level. Invalid flate levels will
// panic.
func StdFlateCompressor(level int) Compressor {
	pool := newFlateWriterPool(level, func(w io.Writer, level int) (flater, error) {
		return stdflate.NewWriter(w, level)
	})

	return func(w io.Writer) (io.WriteCloser, error) {
		fw := pool.Get().(*flateWriter)
		fw.Reset(w)
		return fw, nil
	}
}
