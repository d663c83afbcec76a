package streamarc

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/saracen/zipextra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func testZipReader(t *testing.T, buf *bytes.Buffer) *zip.Reader {
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	return zr
}

func testReadZipFile(t *testing.T, f *zip.File) []byte {
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestZipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf, WithComment("nightly export"))
	require.NoError(t, err)

	require.NoError(t, a.AddDirectory("docs", WithModTime(testModTime)))
	require.NoError(t, a.AddFile("docs/readme.txt", []byte("hello"), WithModTime(testModTime)))
	require.NoError(t, a.AddFile("empty.bin", nil, WithModTime(testModTime)))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	assert.Equal(t, "nightly export", zr.Comment)
	require.Len(t, zr.File, 3)

	assert.Equal(t, "docs/", zr.File[0].Name)
	assert.True(t, zr.File[0].FileInfo().IsDir())

	f := zr.File[1]
	assert.Equal(t, "docs/readme.txt", f.Name)
	assert.Equal(t, uint64(5), f.UncompressedSize64)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("hello")), f.CRC32)
	assert.Equal(t, "hello", string(testReadZipFile(t, f)))

	assert.Equal(t, "empty.bin", zr.File[2].Name)
	assert.Equal(t, uint64(0), zr.File[2].UncompressedSize64)
}

func TestZipDeflateRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("compress me, I repeat a lot. "), 512)

	var buf bytes.Buffer
	a, err := NewZip(&buf)
	require.NoError(t, err)

	require.NoError(t, a.AddFile("data.txt", payload))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 1)

	f := zr.File[0]
	assert.Equal(t, zip.Deflate, f.Method)
	assert.Less(t, f.CompressedSize64, f.UncompressedSize64)
	assert.Equal(t, payload, testReadZipFile(t, f))
}

func TestZipChunkedSourceUsesStore(t *testing.T) {
	payload := bytes.Repeat([]byte("compress me, I repeat a lot. "), 512)

	var buf bytes.Buffer
	a, err := NewZip(&buf, WithLargeFileThreshold(1024), WithChunkSize(4096))
	require.NoError(t, err)

	require.NoError(t, a.AddFileFromSource("data.txt", ReaderSource(bytes.NewReader(payload), int64(len(payload)))))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 1)

	f := zr.File[0]
	assert.Equal(t, zip.Store, f.Method)
	assert.Equal(t, uint64(len(payload)), f.CompressedSize64)
	assert.Equal(t, payload, testReadZipFile(t, f))
}

func TestZipForceChunking(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf, WithForceChunking())
	require.NoError(t, err)

	require.NoError(t, a.AddFileFromSource("small.txt", ReaderSource(bytes.NewReader([]byte("tiny")), 4)))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 1)
	assert.Equal(t, zip.Store, zr.File[0].Method)
	assert.Equal(t, "tiny", string(testReadZipFile(t, zr.File[0])))
}

func TestZipLocalHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf, WithMethod(Store))
	require.NoError(t, err)

	require.NoError(t, a.AddFile("docs/readme.txt", []byte("hello"), WithModTime(testModTime)))
	require.NoError(t, a.Finish())

	b := buf.Bytes()
	assert.Equal(t, uint32(localFileHeaderSig), le32(b[0:]))
	assert.Equal(t, uint16(zipVersion45), le16(b[4:]))
	assert.Equal(t, uint16(flagDataDescriptor), le16(b[6:]))
	assert.Equal(t, Store, le16(b[8:]))
	// crc deferred, size fields hold the Zip64 sentinels
	assert.Equal(t, uint32(0), le32(b[14:]))
	assert.Equal(t, uint32(sentinel32), le32(b[18:]))
	assert.Equal(t, uint32(sentinel32), le32(b[22:]))

	nameLen := int(le16(b[26:]))
	extraLen := int(le16(b[28:]))
	assert.Equal(t, len("docs/readme.txt"), nameLen)
	assert.Equal(t, 20, extraLen)
	assert.Equal(t, "docs/readme.txt", string(b[30:30+nameLen]))

	extra := b[30+nameLen : 30+nameLen+extraLen]
	assert.Equal(t, uint16(zip64ExtraID), le16(extra[0:]))
	assert.Equal(t, uint16(16), le16(extra[2:]))
	assert.Equal(t, uint64(0), le64(extra[4:]))
	assert.Equal(t, uint64(0), le64(extra[12:]))
}

func TestZipDataDescriptorMatchesCentralDirectory(t *testing.T) {
	payload := []byte("hello, descriptor")

	var buf bytes.Buffer
	a, err := NewZip(&buf, WithMethod(Store))
	require.NoError(t, err)

	require.NoError(t, a.AddFile("f.bin", payload, WithModTime(testModTime)))
	require.NoError(t, a.Finish())

	b := buf.Bytes()
	nameLen := int(le16(b[26:]))
	extraLen := int(le16(b[28:]))
	desc := b[fileHeaderLen+nameLen+extraLen+len(payload):]

	assert.Equal(t, uint32(dataDescriptorSig), le32(desc[0:]))
	crc := le32(desc[4:])
	csize := le64(desc[8:])
	usize := le64(desc[16:])
	assert.Equal(t, crc32.ChecksumIEEE(payload), crc)
	assert.Equal(t, uint64(len(payload)), csize)
	assert.Equal(t, uint64(len(payload)), usize)

	// The central directory record must agree, its sizes and offset held
	// by the Zip64 extra field behind 32-bit sentinels.
	cd := desc[dataDescriptor64Len:]
	require.Equal(t, uint32(centralDirHeaderSig), le32(cd[0:]))
	assert.Equal(t, crc, le32(cd[16:]))
	assert.Equal(t, uint32(sentinel32), le32(cd[20:]))
	assert.Equal(t, uint32(sentinel32), le32(cd[24:]))
	assert.Equal(t, uint32(sentinel32), le32(cd[42:])) // local header offset

	cdNameLen := int(le16(cd[28:]))
	extra := cd[directoryHeaderLen+cdNameLen:]
	assert.Equal(t, uint16(zip64ExtraID), le16(extra[0:]))
	assert.Equal(t, uint16(24), le16(extra[2:]))
	assert.Equal(t, usize, le64(extra[4:]))
	assert.Equal(t, csize, le64(extra[12:]))
	assert.Equal(t, uint64(0), le64(extra[20:]))
}

func TestZipEOCDStructures(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf)
	require.NoError(t, err)

	require.NoError(t, a.AddFile("one.txt", []byte("1")))
	require.NoError(t, a.AddFile("two.txt", []byte("22")))
	require.NoError(t, a.Finish())

	b := buf.Bytes()

	// Standard EOCD: every disk/count/size/offset field saturated.
	eocd := b[len(b)-directoryEndLen:]
	require.Equal(t, uint32(eocdSig), le32(eocd[0:]))
	assert.Equal(t, uint16(sentinel16), le16(eocd[4:]))
	assert.Equal(t, uint16(sentinel16), le16(eocd[6:]))
	assert.Equal(t, uint16(sentinel16), le16(eocd[8:]))
	assert.Equal(t, uint16(sentinel16), le16(eocd[10:]))
	assert.Equal(t, uint32(sentinel32), le32(eocd[12:]))
	assert.Equal(t, uint32(sentinel32), le32(eocd[16:]))
	assert.Equal(t, uint16(0), le16(eocd[20:]))

	// Zip64 EOCD locator points at the Zip64 EOCD record.
	loc := b[len(b)-directoryEndLen-directory64LocLen : len(b)-directoryEndLen]
	require.Equal(t, uint32(zip64EOCDLocatorSig), le32(loc[0:]))
	assert.Equal(t, uint32(0), le32(loc[4:]))
	eocd64Offset := le64(loc[8:])
	assert.Equal(t, uint32(1), le32(loc[16:]))
	assert.Equal(t, uint64(len(b)-directoryEndLen-directory64LocLen-directory64EndLen), eocd64Offset)

	// Zip64 EOCD carries the true counts, size and offset.
	eocd64 := b[eocd64Offset:]
	require.Equal(t, uint32(zip64EOCDSig), le32(eocd64[0:]))
	assert.Equal(t, uint64(directory64EndLen-12), le64(eocd64[4:]))
	assert.Equal(t, uint16(zipVersion45), le16(eocd64[12:]))
	assert.Equal(t, uint16(zipVersion45), le16(eocd64[14:]))
	assert.Equal(t, uint64(2), le64(eocd64[24:]))
	assert.Equal(t, uint64(2), le64(eocd64[32:]))

	cdSize := le64(eocd64[40:])
	cdOffset := le64(eocd64[48:])
	assert.Equal(t, eocd64Offset, cdOffset+cdSize)
	assert.Equal(t, uint32(centralDirHeaderSig), le32(b[cdOffset:]))
}

func TestZipEntryOrderAndDeterminism(t *testing.T) {
	build := func() []byte {
		var buf bytes.Buffer
		a, err := NewZip(&buf)
		require.NoError(t, err)

		require.NoError(t, a.AddFile("zebra.txt", []byte("z"), WithModTime(testModTime)))
		require.NoError(t, a.AddFile("alpha.txt", []byte("a"), WithModTime(testModTime)))
		require.NoError(t, a.AddDirectory("mid", WithModTime(testModTime)))
		require.NoError(t, a.Finish())
		return buf.Bytes()
	}

	first := build()
	second := build()
	assert.Equal(t, first, second)

	zr, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)
	assert.Equal(t, "zebra.txt", zr.File[0].Name)
	assert.Equal(t, "alpha.txt", zr.File[1].Name)
	assert.Equal(t, "mid/", zr.File[2].Name)
}

func TestZipUTF8Flag(t *testing.T) {
	tests := []struct {
		name  string
		flags uint16
	}{
		{"plain.txt", flagDataDescriptor},
		{"héllo.txt", flagDataDescriptor | flagUTF8},
	}

	for _, test := range tests {
		var buf bytes.Buffer
		a, err := NewZip(&buf)
		require.NoError(t, err)

		require.NoError(t, a.AddFile(test.name, []byte("x")))
		require.NoError(t, a.Finish())

		assert.Equal(t, test.flags, le16(buf.Bytes()[6:]), test.name)
	}
}

func TestDosTimestamp(t *testing.T) {
	tests := []struct {
		t    time.Time
		want uint32
	}{
		// Pre-1980 clamps to the DOS epoch.
		{time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), 1<<21 | 1<<16},
		{time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), 1<<21 | 1<<16},
		{time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC), 43<<25 | 4<<21 | 5<<16 | 6<<11 | 7<<5 | 4},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, dosTimestamp(test.t), test.t.String())
	}
}

func TestZipExtraFieldsParse(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf)
	require.NoError(t, err)

	require.NoError(t, a.AddFile("f.txt", []byte("hello")))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 1)

	fields, err := zipextra.Parse(zr.File[0].Extra)
	require.NoError(t, err)
	_, ok := fields[zip64ExtraID]
	assert.True(t, ok, "central directory extra carries the Zip64 field")
}

func TestZipCustomCompressor(t *testing.T) {
	const zstdMethod uint16 = 93
	payload := bytes.Repeat([]byte("zstandard zstandard zstandard. "), 256)

	var buf bytes.Buffer
	a, err := NewZip(&buf, WithMethod(zstdMethod))
	require.NoError(t, err)
	a.RegisterCompressor(zstdMethod, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})

	require.NoError(t, a.AddFile("data.bin", payload))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	zr.RegisterDecompressor(zstdMethod, func(r io.Reader) io.ReadCloser {
		zd, err := zstd.NewReader(r)
		require.NoError(t, err)
		return zd.IOReadCloser()
	})

	require.Len(t, zr.File, 1)
	assert.Equal(t, zstdMethod, zr.File[0].Method)
	assert.Equal(t, payload, testReadZipFile(t, zr.File[0]))
}

func TestZipUnregisteredMethod(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf, WithMethod(42))
	require.NoError(t, err)

	require.Error(t, a.AddFile("f.txt", []byte("x")))
	require.Equal(t, 0, buf.Len())

	// The method was rejected before anything was written; registering it
	// makes the same archive usable.
	a.RegisterCompressor(42, StdFlateCompressor(5))
	require.NoError(t, a.AddFile("f.txt", []byte("x")))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 1)
	assert.Equal(t, uint16(42), zr.File[0].Method)
}

func TestZipErrorLogAtRoot(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf, WithContainerDir("export"))
	require.NoError(t, err)

	require.NoError(t, a.AddFile("file.txt", []byte("ok")))
	a.PushError("disk full")
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "export/file.txt", zr.File[0].Name)
	assert.Equal(t, defaultErrorLogName, zr.File[1].Name)

	body := string(testReadZipFile(t, zr.File[1]))
	assert.Contains(t, body, defaultErrorLogHeader)
	assert.Contains(t, body, "disk full")
}

// A single stored file followed by Finish produces one central directory
// record with the file's true size and CRC, then the Zip64 trailer chain.
func TestZipSingleStoredFile(t *testing.T) {
	var buf bytes.Buffer
	a, err := NewZip(&buf, WithMethod(Store))
	require.NoError(t, err)

	require.NoError(t, a.AddFile("docs/readme.txt", []byte("hello")))
	require.NoError(t, a.Finish())

	zr := testZipReader(t, &buf)
	require.Len(t, zr.File, 1)

	f := zr.File[0]
	assert.Equal(t, uint64(5), f.UncompressedSize64)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("hello")), f.CRC32)
	assert.Equal(t, "hello", string(testReadZipFile(t, f)))
}

func BenchmarkZipAddFile(b *testing.B) {
	payload := bytes.Repeat([]byte("streaming"), 1024)

	a, err := NewZip(io.Discard)
	require.NoError(b, err)

	b.ReportAllocs()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if err := a.AddFile("bench.bin", payload); err != nil {
			b.Fatal(err)
		}
	}
}
