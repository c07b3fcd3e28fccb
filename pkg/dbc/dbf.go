package dbc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding"

	"github.com/dbcflow/dbcflow/internal/model"
	dferrors "github.com/dbcflow/dbcflow/pkg/errors"
)

const (
	headerSize     = 32
	descriptorSize = 32

	descriptorEnd = 0x0D
	endOfData     = 0x1A
	deletedFlag   = '*'
)

// FieldDescriptor describes one column of a dBase table.
type FieldDescriptor struct {
	Name     string
	Type     byte
	Length   int
	Decimals int
}

// Header is the dBase table header shared by DBF and DBC files.
type Header struct {
	Version    byte
	Modified   time.Time
	NumRecords uint32
	HeaderLen  int
	RecordLen  int
	Fields     []FieldDescriptor
}

// FieldNames returns the column names in declaration order.
func (h *Header) FieldNames() []string {
	names := make([]string, len(h.Fields))
	for i, f := range h.Fields {
		names[i] = f.Name
	}
	return names
}

// parseHeader decodes a complete header block (HeaderLen bytes).
func parseHeader(b []byte) (*Header, error) {
	if len(b) < headerSize+1 {
		return nil, fmt.Errorf("header too short: %d bytes", len(b))
	}

	h := &Header{
		Version:    b[0],
		NumRecords: binary.LittleEndian.Uint32(b[4:8]),
		HeaderLen:  int(binary.LittleEndian.Uint16(b[8:10])),
		RecordLen:  int(binary.LittleEndian.Uint16(b[10:12])),
	}
	if b[2] >= 1 && b[2] <= 12 && b[3] >= 1 && b[3] <= 31 {
		h.Modified = time.Date(1900+int(b[1]), time.Month(b[2]), int(b[3]), 0, 0, 0, 0, time.UTC)
	}
	if h.HeaderLen > len(b) {
		return nil, fmt.Errorf("header declares %d bytes, got %d", h.HeaderLen, len(b))
	}

	width := 1 // deletion flag
	for off := headerSize; ; off += descriptorSize {
		if off >= h.HeaderLen {
			return nil, fmt.Errorf("field descriptors not terminated")
		}
		if b[off] == descriptorEnd {
			break
		}
		if off+descriptorSize > h.HeaderLen {
			return nil, fmt.Errorf("field descriptor %d truncated", len(h.Fields))
		}

		d := b[off : off+descriptorSize]
		name := d[:11]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		f := FieldDescriptor{
			Name:     strings.TrimSpace(string(name)),
			Type:     d[11],
			Length:   int(d[16]),
			Decimals: int(d[17]),
		}
		if f.Name == "" {
			return nil, fmt.Errorf("field descriptor %d has no name", len(h.Fields))
		}
		h.Fields = append(h.Fields, f)
		width += f.Length
	}

	if len(h.Fields) == 0 {
		return nil, fmt.Errorf("table declares no fields")
	}
	if width > h.RecordLen {
		return nil, fmt.Errorf("fields need %d bytes but records are %d bytes", width, h.RecordLen)
	}
	return h, nil
}

// dbfReader yields records from the record area of a dBase table.
type dbfReader struct {
	path   string
	hdr    *Header
	src    io.Reader
	closer io.Closer

	dec            *encoding.Decoder
	includeDeleted bool

	buf  []byte
	read uint32
	done bool
}

func newDBFReader(path string, hdr *Header, src io.Reader, closer io.Closer, enc encoding.Encoding, includeDeleted bool) *dbfReader {
	return &dbfReader{
		path:           path,
		hdr:            hdr,
		src:            src,
		closer:         closer,
		dec:            enc.NewDecoder(),
		includeDeleted: includeDeleted,
		buf:            make([]byte, hdr.RecordLen),
	}
}

// HeaderReader is a RecordReader that also exposes the table header it was
// opened with.
type HeaderReader interface {
	RecordReader
	Header() *Header
}

// Header returns the table header.
func (r *dbfReader) Header() *Header {
	return r.hdr
}

// Next returns the next live record or io.EOF.
func (r *dbfReader) Next() (model.Record, error) {
	for {
		if r.done || r.read >= r.hdr.NumRecords {
			r.done = true
			return model.Record{}, io.EOF
		}

		n, err := io.ReadFull(r.src, r.buf)
		if n > 0 && r.buf[0] == endOfData {
			r.done = true
			return model.Record{}, io.EOF
		}
		if err != nil {
			r.done = true
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return model.Record{}, dferrors.InvalidFormat(r.path, "record area truncated").
					WithContext("record", r.read+1).
					WithContext("expected", r.hdr.NumRecords)
			}
			return model.Record{}, dferrors.Wrap(err, dferrors.CodeDecodeFailed, "read record").
				WithContext("path", r.path).
				WithContext("record", r.read+1)
		}
		r.read++

		if r.buf[0] == deletedFlag && !r.includeDeleted {
			continue
		}

		rec, err := r.parseRecord(r.buf)
		if err != nil {
			r.done = true
			return model.Record{}, err
		}
		return rec, nil
	}
}

func (r *dbfReader) parseRecord(buf []byte) (model.Record, error) {
	rec := model.Record{Fields: make([]model.Field, 0, len(r.hdr.Fields))}
	off := 1
	for _, f := range r.hdr.Fields {
		raw := buf[off : off+f.Length]
		off += f.Length

		v, err := r.parseValue(f, raw)
		if err != nil {
			return model.Record{}, dferrors.Wrap(err, dferrors.CodeDecodeFailed, "invalid field value").
				WithContext("path", r.path).
				WithContext("record", r.read).
				WithContext("field", f.Name)
		}
		rec.Fields = append(rec.Fields, model.Field{Name: f.Name, Value: v})
	}
	return rec, nil
}

func (r *dbfReader) parseValue(f FieldDescriptor, raw []byte) (any, error) {
	switch f.Type {
	case 'N', 'F':
		return parseNumeric(raw, f.Decimals)
	case 'D':
		return parseDate(raw)
	case 'L':
		return parseLogical(raw)
	default:
		text, err := r.dec.Bytes(bytes.TrimRight(raw, " \x00"))
		if err != nil {
			return nil, err
		}
		return string(text), nil
	}
}

// parseNumeric returns int64 for fields without decimals when the text is
// integral, float64 otherwise.
func parseNumeric(raw []byte, decimals int) (any, error) {
	s := strings.Trim(string(raw), " \x00*")
	if s == "" {
		return nil, nil
	}
	if decimals == 0 {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

func parseDate(raw []byte) (any, error) {
	s := strings.Trim(string(raw), " \x00")
	if s == "" || strings.Trim(s, "0") == "" {
		return nil, nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return nil, fmt.Errorf("not a date: %q", s)
	}
	return t, nil
}

func parseLogical(raw []byte) (any, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "?" {
		return nil, nil
	}
	switch s[0] {
	case 'T', 't', 'Y', 'y':
		return true, nil
	case 'F', 'f', 'N', 'n':
		return false, nil
	default:
		return nil, fmt.Errorf("not a logical: %q", s)
	}
}

// Close releases the underlying file.
func (r *dbfReader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
