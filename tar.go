package streamarc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/streamarc/streamarc/internal/binfield"
)

const blockSize = 512

// ustar typeflags.
const (
	typeReg     = '0'
	typeDir     = '5'
	typeXHeader = 'x'
)

var zeroBlock [blockSize]byte

// maxOctal11 is the largest value the 12-byte octal size field can hold.
const maxOctal11 = 0o77777777777

// tarEncoder emits POSIX ustar entries, falling back to PAX extended
// headers for paths the fixed-width ustar fields cannot hold. Bodies are
// never compressed.
type tarEncoder struct {
	s   *sink
	cur *streamState
}

func (t *tarEncoder) init(name string, size int64, opts *entryOptions, method uint16, dir bool) error {
	if !dir && strings.HasSuffix(name, "/") {
		dir = true
	}

	prefix, base := splitTarPath(name)
	var pax string
	if len(base) > 99 || len(prefix) > 154 {
		// The full path travels in a PAX sub-entry preceding the real
		// header; the ustar fields carry the truncated form.
		pax += paxRecord("path", name)
	}
	if size > maxOctal11 {
		pax += paxRecord("size", strconv.FormatInt(size, 10))
	}
	if pax != "" {
		body := []byte(pax)
		if err := t.writeHeader(base, prefix, int64(len(body)), opts, typeXHeader); err != nil {
			return err
		}
		if _, err := t.s.Write(body); err != nil {
			return err
		}
		if err := t.writePadding(uint64(len(body))); err != nil {
			return err
		}
	}

	typeflag := byte(typeReg)
	if dir {
		typeflag = typeDir
	}
	if err := t.writeHeader(base, prefix, size, opts, typeflag); err != nil {
		return err
	}

	t.cur = &streamState{name: name, method: Store, dir: dir, size: size}
	return nil
}

func (t *tarEncoder) streamPart(p []byte, singlePart bool) error {
	t.cur.written += uint64(len(p))
	_, err := t.s.Write(p)
	return err
}

func (t *tarEncoder) completeStream() error {
	err := t.writePadding(t.cur.written)
	t.cur = nil
	return err
}

func (t *tarEncoder) finish() error {
	// Two all-NUL blocks terminate the archive.
	if _, err := t.s.Write(zeroBlock[:]); err != nil {
		return err
	}
	_, err := t.s.Write(zeroBlock[:])
	return err
}

func (t *tarEncoder) writeHeader(base, prefix string, size int64, opts *entryOptions, typeflag byte) error {
	mtime := opts.modTime.Unix()
	if mtime < 0 {
		mtime = 0
	}
	if size > maxOctal11 {
		// The real value travels in a PAX size record; readers ignore
		// this field when one is present.
		size = 0
	}

	hdr := binfield.New(blockSize).
		Field(base, 100, 0).
		Octal(0o777, 8). // mode
		Octal(0, 8).     // uid
		Octal(0, 8).     // gid
		Octal(size, 12).
		Octal(mtime, 12).
		Fill(8, ' '). // checksum, computed below
		Bytes([]byte{typeflag}).
		Fill(100, 0). // linkname
		Field("ustar", 6, 0).
		String("00").
		Fill(32, 0). // uname
		Fill(32, 0). // gname
		Fill(8, 0).  // devmajor
		Fill(8, 0).  // devminor
		Field(prefix, 155, 0).
		Fill(12, 0).
		Build()

	// Unsigned byte sum over the whole block with the checksum field read
	// as spaces, written back as six octal digits, NUL, space.
	var sum int64
	for _, b := range hdr {
		sum += int64(b)
	}
	copy(hdr[148:156], fmt.Sprintf("%06o\x00 ", sum))

	_, err := t.s.Write(hdr)
	return err
}

func (t *tarEncoder) writePadding(written uint64) error {
	if pad := written % blockSize; pad != 0 {
		if _, err := t.s.Write(zeroBlock[:blockSize-pad]); err != nil {
			return err
		}
	}
	return nil
}

// splitTarPath splits name into the ustar prefix (directory, no trailing
// separator) and base components. Directory entries keep their trailing
// separator on the base.
func splitTarPath(name string) (prefix, base string) {
	trimmed := strings.TrimSuffix(name, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "", name
	}
	return trimmed[:i], name[i+1:]
}

// paxRecord renders one extended-header line, "LEN key=value\n", where LEN
// is the line length plus the digit count of the line length. The prefix's
// own digit-count growth at a length boundary is not re-checked.
func paxRecord(key, value string) string {
	line := " " + key + "=" + value + "\n"
	n := len(line)
	n += len(strconv.Itoa(n))
	return strconv.Itoa(n) + line
}
