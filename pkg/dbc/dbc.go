// Package dbc decodes DATASUS DBC files into records.
//
// A DBC file is a dBase (DBF) table whose record area has been compressed
// with the PKWARE DCL implode algorithm. The layout is:
//
//	[0, H)      DBF header, H read from bytes 8-9 (little endian)
//	[H, H+4)    CRC32 of the original file
//	[H+4, EOF)  imploded record area
//
// Records are produced lazily, one at a time, in file order.
package dbc

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/dbcflow/dbcflow/internal/model"
	dferrors "github.com/dbcflow/dbcflow/pkg/errors"
)

// Extension is the suffix of files the decoder accepts.
const Extension = ".dbc"

const crcSize = 4

// DefaultCharset is the text encoding of DATASUS tables.
const DefaultCharset = "iso-8859-1"

// RecordReader is a single-pass sequence of records.
// Next returns io.EOF after the last record.
type RecordReader interface {
	Next() (model.Record, error)
	Close() error
}

// Options configures decoding.
type Options struct {
	// Charset of text fields; converted to UTF-8.
	Charset string

	// IncludeDeleted keeps records flagged as deleted.
	IncludeDeleted bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{Charset: DefaultCharset}
}

// Decoder opens DBC and DBF files.
type Decoder struct {
	opts Options
	enc  encoding.Encoding
}

// NewDecoder validates opts and returns a Decoder.
func NewDecoder(opts Options) (*Decoder, error) {
	enc, err := lookupCharset(opts.Charset)
	if err != nil {
		return nil, err
	}
	return &Decoder{opts: opts, enc: enc}, nil
}

// Open opens a DBC file for reading.
func (d *Decoder) Open(path string) (RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dferrors.FileNotFound(path)
		}
		return nil, dferrors.Wrap(err, dferrors.CodeFilePermission, "open dbc").WithContext("path", path)
	}

	br := bufio.NewReader(f)
	hdr, err := readHeader(path, br)
	if err != nil {
		f.Close()
		return nil, err
	}

	if _, err := io.ReadFull(br, make([]byte, crcSize)); err != nil {
		f.Close()
		return nil, dferrors.InvalidFormat(path, "missing checksum after header")
	}

	body := NewExplodeReader(br)
	return newDBFReader(path, hdr, &explodeErrReader{path: path, r: bufio.NewReader(body)}, closers{body, f}, d.enc, d.opts.IncludeDeleted), nil
}

// OpenDBF opens an uncompressed dBase file for reading.
func (d *Decoder) OpenDBF(path string) (RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dferrors.FileNotFound(path)
		}
		return nil, dferrors.Wrap(err, dferrors.CodeFilePermission, "open dbf").WithContext("path", path)
	}

	br := bufio.NewReader(f)
	hdr, err := readHeader(path, br)
	if err != nil {
		f.Close()
		return nil, err
	}
	return newDBFReader(path, hdr, br, f, d.enc, d.opts.IncludeDeleted), nil
}

func readHeader(path string, r io.Reader) (*Header, error) {
	pre := make([]byte, headerSize)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, dferrors.InvalidFormat(path, "file too short for header")
	}

	hlen := int(binary.LittleEndian.Uint16(pre[8:10]))
	if hlen <= headerSize {
		return nil, dferrors.InvalidFormat(path, "invalid header length").WithContext("header_len", hlen)
	}

	buf := make([]byte, hlen)
	copy(buf, pre)
	if _, err := io.ReadFull(r, buf[headerSize:]); err != nil {
		return nil, dferrors.InvalidFormat(path, "header truncated").WithContext("header_len", hlen)
	}

	hdr, err := parseHeader(buf)
	if err != nil {
		return nil, dferrors.Wrap(err, dferrors.CodeInvalidFormat, "invalid header").WithContext("path", path)
	}
	return hdr, nil
}

func lookupCharset(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1, nil
	case "cp850", "ibm850":
		return charmap.CodePage850, nil
	case "cp1252", "windows-1252":
		return charmap.Windows1252, nil
	case "utf-8", "utf8":
		return encoding.Nop, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, dferrors.Wrap(err, dferrors.CodeEncodingError, "unknown charset").WithContext("charset", name)
	}
	if enc == nil {
		return nil, dferrors.New(dferrors.CodeEncodingError, "unsupported charset").WithContext("charset", name)
	}
	return enc, nil
}

// explodeErrReader tags decompression failures with the file they came from.
type explodeErrReader struct {
	path string
	r    io.Reader
}

func (e *explodeErrReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, dferrors.Wrap(err, dferrors.CodeDecodeFailed, "decompress").WithContext("path", e.path)
	}
	return n, err
}

type closers []io.Closer

func (c closers) Close() error {
	var errs *multierror.Error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
