package streamarc

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/streamarc/streamarc/internal/binfield"
)

const (
	localFileHeaderSig  = 0x04034B50
	dataDescriptorSig   = 0x08074B50
	centralDirHeaderSig = 0x02014B50
	zip64EOCDSig        = 0x06064B50
	zip64EOCDLocatorSig = 0x07064B50
	eocdSig             = 0x06054B50

	fileHeaderLen       = 30 // + filename + extra
	directoryHeaderLen  = 46 // + filename + extra + comment
	directoryEndLen     = 22 // + comment
	dataDescriptor64Len = 24 // descriptor with 8 byte sizes
	directory64EndLen   = 56
	directory64LocLen   = 20

	// Every structure is written Zip64-capable so that a single code path
	// stays correct past the classic 4 GiB and 65535-entry limits.
	zipVersion45 = 45

	zip64ExtraID = 0x0001

	flagDataDescriptor = 1 << 3  // CRC and sizes follow the body
	flagUTF8           = 1 << 11 // name is UTF-8

	extAttrFile = 0x20
	extAttrDir  = 0x10

	sentinel16 = 0xFFFF
	sentinel32 = 0xFFFFFFFF
)

// fileRecord is the durable per-entry metadata consumed when the central
// directory is emitted. Never mutated after append.
type fileRecord struct {
	name    string
	comment string
	method  uint16
	flags   uint16
	dosTime uint32
	crc     uint32
	csize   uint64
	usize   uint64
	offset  uint64
	extAttr uint32
}

// zipStream extends the shared rolling entry state with the accumulators
// the data descriptor and central directory need.
type zipStream struct {
	streamState
	crc        uint32
	compressed uint64
	flags      uint16
	dosTime    uint32
	comment    string
	overhead   uint64 // local header + name + extra bytes
}

// zip64Encoder emits Zip64 structures for every entry, deferring CRC and
// sizes to data descriptors so that nothing needs to be known before the
// body has been streamed.
type zip64Encoder struct {
	s           *sink
	compressors map[uint16]Compressor
	comment     string
	records     []fileRecord
	offset      uint64 // bytes emitted ahead of the central directory
	cur         *zipStream
}

func (z *zip64Encoder) init(name string, size int64, opts *entryOptions, method uint16, dir bool) error {
	if !dir && strings.HasSuffix(name, "/") {
		dir = true
	}
	if len(name) > sentinel16 {
		return fmt.Errorf("entry name of %d bytes does not fit a ZIP header", len(name))
	}
	if method != Store {
		if _, ok := z.compressors[method]; !ok {
			return fmt.Errorf("no compressor registered for method %d", method)
		}
	}

	flags := uint16(flagDataDescriptor)
	if !isASCII(name) && utf8.ValidString(name) {
		flags |= flagUTF8
	}
	dosTime := dosTimestamp(opts.modTime)

	extra := binfield.New(20).
		Uint16(zip64ExtraID).
		Uint16(16).
		Uint64(0). // real sizes travel in the descriptor
		Uint64(0).
		Build()
	hdr := binfield.New(fileHeaderLen).
		Uint32(localFileHeaderSig).
		Uint16(zipVersion45).
		Uint16(flags).
		Uint16(method).
		Uint32(dosTime).
		Uint32(0).          // crc, deferred
		Uint32(sentinel32). // compressed size
		Uint32(sentinel32). // uncompressed size
		Uint16(uint16(len(name))).
		Uint16(uint16(len(extra))).
		Build()

	for _, p := range [][]byte{hdr, []byte(name), extra} {
		if _, err := z.s.Write(p); err != nil {
			return err
		}
	}

	z.cur = &zipStream{
		streamState: streamState{name: name, method: method, dir: dir, size: size},
		flags:       flags,
		dosTime:     dosTime,
		comment:     opts.comment,
		overhead:    uint64(len(hdr) + len(name) + len(extra)),
	}
	return nil
}

func (z *zip64Encoder) streamPart(p []byte, singlePart bool) error {
	cur := z.cur
	cur.written += uint64(len(p))
	cur.crc = crc32.Update(cur.crc, crc32.IEEETable, p)

	out := p
	if singlePart && cur.method != Store {
		// The whole body is in hand, so it can be compressed in one shot.
		// Chunked bodies are always stored; compressing across chunks
		// would require buffering state this writer does not keep.
		var buf bytes.Buffer
		cw, err := z.compressors[cur.method](&buf)
		if err != nil {
			return err
		}
		if _, err = cw.Write(p); err != nil {
			cw.Close()
			return err
		}
		if err = cw.Close(); err != nil {
			return err
		}
		out = buf.Bytes()
	}

	cur.compressed += uint64(len(out))
	_, err := z.s.Write(out)
	return err
}

func (z *zip64Encoder) completeStream() error {
	cur := z.cur

	desc := binfield.New(dataDescriptor64Len).
		Uint32(dataDescriptorSig).
		Uint32(cur.crc).
		Uint64(cur.compressed).
		Uint64(cur.written).
		Build()
	if _, err := z.s.Write(desc); err != nil {
		return err
	}

	extAttr := uint32(extAttrFile)
	if cur.dir {
		extAttr = extAttrDir
	}
	z.records = append(z.records, fileRecord{
		name:    cur.name,
		comment: cur.comment,
		method:  cur.method,
		flags:   cur.flags,
		dosTime: cur.dosTime,
		crc:     cur.crc,
		csize:   cur.compressed,
		usize:   cur.written,
		offset:  z.offset,
		extAttr: extAttr,
	})
	z.offset += cur.overhead + cur.compressed + uint64(len(desc))
	z.cur = nil
	return nil
}

func (z *zip64Encoder) finish() error {
	start := z.offset

	var size uint64
	for i := range z.records {
		r := &z.records[i]

		extra := binfield.New(28).
			Uint16(zip64ExtraID).
			Uint16(24).
			Uint64(r.usize).
			Uint64(r.csize).
			Uint64(r.offset).
			Build()
		hdr := binfield.New(directoryHeaderLen).
			Uint32(centralDirHeaderSig).
			Uint16(zipVersion45). // version made by
			Uint16(zipVersion45). // version needed to extract
			Uint16(r.flags).
			Uint16(r.method).
			Uint32(r.dosTime).
			Uint32(r.crc).
			Uint32(sentinel32).
			Uint32(sentinel32).
			Uint16(uint16(len(r.name))).
			Uint16(uint16(len(extra))).
			Uint16(uint16(len(r.comment))).
			Uint16(0). // disk number start
			Uint16(0). // internal attributes
			Uint32(r.extAttr).
			Uint32(sentinel32). // local header offset, real value in the extra
			Build()

		for _, p := range [][]byte{hdr, []byte(r.name), extra, []byte(r.comment)} {
			if _, err := z.s.Write(p); err != nil {
				return err
			}
		}
		size += uint64(len(hdr) + len(r.name) + len(extra) + len(r.comment))
	}

	count := uint64(len(z.records))
	eocd64 := binfield.New(directory64EndLen).
		Uint32(zip64EOCDSig).
		Uint64(directory64EndLen - 12). // size of the remainder of this record
		Uint16(zipVersion45).
		Uint16(zipVersion45).
		Uint32(0). // this disk
		Uint32(0). // central directory disk
		Uint64(count).
		Uint64(count).
		Uint64(size).
		Uint64(start).
		Build()
	locator := binfield.New(directory64LocLen).
		Uint32(zip64EOCDLocatorSig).
		Uint32(0).
		Uint64(start + size).
		Uint32(1). // total disks
		Build()
	eocd := binfield.New(directoryEndLen + len(z.comment)).
		Uint32(eocdSig).
		Uint16(sentinel16). // disk fields saturated: readers must use the
		Uint16(sentinel16). // Zip64 records above
		Uint16(sentinel16).
		Uint16(sentinel16).
		Uint32(sentinel32).
		Uint32(sentinel32).
		Uint16(uint16(len(z.comment))).
		String(z.comment).
		Build()

	for _, p := range [][]byte{eocd64, locator, eocd} {
		if _, err := z.s.Write(p); err != nil {
			return err
		}
	}

	z.records = nil
	z.offset = 0
	return nil
}

// dosTimestamp packs t into the MS-DOS date/time format ZIP headers use.
// Times before the epoch of that format clamp to 1980-01-01T00:00:00.
func dosTimestamp(t time.Time) uint32 {
	if t.Year() < 1980 {
		t = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return uint32(t.Year()-1980)<<25 | uint32(t.Month())<<21 | uint32(t.Day())<<16 |
		uint32(t.Hour())<<11 | uint32(t.Minute())<<5 | uint32(t.Second())>>1
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
