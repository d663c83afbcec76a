package streamarc

import "io"

type errFlusher interface {
	Flush() error
}

type flusher interface {
	Flush()
}

// sink delivers archive bytes to the destination writer in order. It tracks
// the absolute offset of the next byte, fires the configured hook once
// before the first byte is sent, and flushes the destination after every
// write when it supports flushing, so that bytes reach the client as each
// entry is processed.
type sink struct {
	w       io.Writer
	onFirst func() error
	offset  int64
	started bool
}

func (s *sink) Write(p []byte) (n int, err error) {
	if !s.started {
		if s.onFirst != nil {
			if err = s.onFirst(); err != nil {
				return 0, err
			}
		}
		s.started = true
	}

	n, err = s.w.Write(p)
	s.offset += int64(n)
	if err != nil {
		return n, err
	}

	switch f := s.w.(type) {
	case errFlusher:
		err = f.Flush()
	case flusher:
		f.Flush()
	}
	return n, err
}
