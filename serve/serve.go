// Package serve wires streaming archives to HTTP delivery: picking an
// archive format for a client, and emitting Content-Type and
// Content-Disposition headers lazily so that nothing is sent before the
// first archive byte is ready.
package serve

import (
	"mime"
	"net/http"
	"strings"

	"github.com/streamarc/streamarc"
)

// Archive content types.
const (
	ContentTypeZip = "application/zip"
	ContentTypeTar = "application/x-tar"
)

// Format identifies the archive container produced for a client.
type Format int

const (
	FormatZip Format = iota
	FormatTar
)

// Ext returns the filename extension for the format.
func (f Format) Ext() string {
	if f == FormatTar {
		return ".tar"
	}
	return ".zip"
}

// ContentType returns the media type for the format.
func (f Format) ContentType() string {
	if f == FormatTar {
		return ContentTypeTar
	}
	return ContentTypeZip
}

// PickFormat chooses an archive format for the client. ZIP is the default;
// TAR is selected for clients that accept application/x-tar or identify as
// command-line download tools.
func PickFormat(r *http.Request) Format {
	if strings.Contains(r.Header.Get("Accept"), ContentTypeTar) {
		return FormatTar
	}

	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, tool := range []string{"curl/", "wget/"} {
		if strings.HasPrefix(ua, tool) {
			return FormatTar
		}
	}
	return FormatZip
}

// Attachment returns a Content-Disposition header value for filename.
func Attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

// NewArchive returns an archive streaming straight to w in the format
// picked for r. Response headers for basename plus the format extension
// are emitted immediately before the first archive byte, and writes are
// flushed so bytes reach the client as entries complete.
func NewArchive(w http.ResponseWriter, r *http.Request, basename string, opts ...streamarc.Option) (*streamarc.Archive, Format, error) {
	format := PickFormat(r)

	opts = append(opts, streamarc.WithFirstByteFunc(func() error {
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", Attachment(basename+format.Ext()))
		return nil
	}))

	var (
		a   *streamarc.Archive
		err error
	)
	if format == FormatTar {
		a, err = streamarc.NewTar(w, opts...)
	} else {
		a, err = streamarc.NewZip(w, opts...)
	}
	return a, format, err
}
