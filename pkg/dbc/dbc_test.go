package dbc

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbcflow/dbcflow/internal/model"
	dferrors "github.com/dbcflow/dbcflow/pkg/errors"
)

type testField struct {
	name     string
	typ      byte
	length   int
	decimals int
}

// buildDBF assembles a dBase III table. Each row holds the raw, already padded
// cell bytes; a leading '*' in deleted marks the row deleted.
func buildDBF(t *testing.T, fields []testField, rows [][]string, deleted []bool) []byte {
	t.Helper()

	recLen := 1
	for _, f := range fields {
		recLen += f.length
	}
	hdrLen := headerSize + descriptorSize*len(fields) + 1

	var buf bytes.Buffer
	hdr := make([]byte, headerSize)
	hdr[0] = 0x03
	hdr[1], hdr[2], hdr[3] = 124, 1, 15
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(rows)))
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(hdrLen))
	binary.LittleEndian.PutUint16(hdr[10:12], uint16(recLen))
	buf.Write(hdr)

	for _, f := range fields {
		d := make([]byte, descriptorSize)
		copy(d, f.name)
		d[11] = f.typ
		d[16] = byte(f.length)
		d[17] = byte(f.decimals)
		buf.Write(d)
	}
	buf.WriteByte(descriptorEnd)

	for i, row := range rows {
		flag := byte(' ')
		if deleted != nil && deleted[i] {
			flag = deletedFlag
		}
		buf.WriteByte(flag)
		for j, f := range fields {
			cell := make([]byte, f.length)
			for k := range cell {
				cell[k] = ' '
			}
			copy(cell, row[j])
			buf.Write(cell)
		}
	}
	buf.WriteByte(endOfData)
	return buf.Bytes()
}

// implodeLiterals encodes data as a literal-only imploded stream
// (uncoded literals, 1024 byte dictionary).
func implodeLiterals(data []byte) []byte {
	var out []byte
	var acc, n uint
	put := func(v uint, bits uint) {
		for i := uint(0); i < bits; i++ {
			acc |= ((v >> i) & 1) << n
			n++
			if n == 8 {
				out = append(out, byte(acc))
				acc, n = 0, 0
			}
		}
	}
	put(0, 8)
	put(4, 8)
	for _, b := range data {
		put(0, 1)
		put(uint(b), 8)
	}
	// end of stream: length symbol 15 (seven inverted one bits) plus 8 extra bits
	put(1, 1)
	put(0, 7)
	put(0xFF, 8)
	if n > 0 {
		out = append(out, byte(acc))
	}
	return out
}

// toDBC converts an uncompressed table into the DBC container layout.
func toDBC(dbf []byte) []byte {
	hlen := int(binary.LittleEndian.Uint16(dbf[8:10]))
	var buf bytes.Buffer
	buf.Write(dbf[:hlen])
	buf.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	buf.Write(implodeLiterals(dbf[hlen:]))
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func drain(t *testing.T, r RecordReader) []model.Record {
	t.Helper()
	var out []model.Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

var sampleFields = []testField{
	{name: "CODMUNRES", typ: 'C', length: 6},
	{name: "IDADE", typ: 'N', length: 3},
	{name: "PESO", typ: 'N', length: 6, decimals: 2},
	{name: "DTOBITO", typ: 'D', length: 8},
	{name: "ASSISTMED", typ: 'L', length: 1},
}

func TestExplode_ReferenceVector(t *testing.T) {
	in := []byte{0x00, 0x04, 0x82, 0x24, 0x25, 0x8f, 0x80, 0x7f}
	var out bytes.Buffer
	require.NoError(t, Explode(bytes.NewReader(in), &out))
	assert.Equal(t, "AIAIAIAIAIAIA", out.String())
}

func TestExplode_LiteralRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 600) // spans several windows
	var out bytes.Buffer
	require.NoError(t, Explode(bytes.NewReader(implodeLiterals(data)), &out))
	assert.Equal(t, data, out.Bytes())
}

func TestExplode_Errors(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorIs(t, Explode(bytes.NewReader([]byte{0x02, 0x04}), &out), errLiteralFlag)
	assert.ErrorIs(t, Explode(bytes.NewReader([]byte{0x00, 0x07}), &out), errDictSize)
	assert.ErrorIs(t, Explode(bytes.NewReader([]byte{0x00, 0x04, 0x82}), &out), errTruncated)
}

func TestOpenDBF_FieldTypes(t *testing.T) {
	dbf := buildDBF(t, sampleFields, [][]string{
		{"355030", " 67", "  3.25", "20190214", "T"},
		{"330455", "   ", "      ", "        ", "?"},
	}, nil)
	path := writeFile(t, "sample.dbf", dbf)

	dec, err := NewDecoder(DefaultOptions())
	require.NoError(t, err)
	r, err := dec.OpenDBF(path)
	require.NoError(t, err)
	defer r.Close()

	recs := drain(t, r)
	require.Len(t, recs, 2)

	first := recs[0]
	require.Equal(t, 5, first.Len())
	assert.Equal(t, "CODMUNRES", first.Fields[0].Name)
	assert.Equal(t, "355030", first.Fields[0].Value)
	assert.Equal(t, int64(67), first.Fields[1].Value)
	assert.Equal(t, 3.25, first.Fields[2].Value)
	assert.Equal(t, time.Date(2019, 2, 14, 0, 0, 0, 0, time.UTC), first.Fields[3].Value)
	assert.Equal(t, true, first.Fields[4].Value)

	v, ok := first.Get("DTOBITO")
	require.True(t, ok)
	assert.IsType(t, time.Time{}, v)
	_, ok = first.Get("MISSING")
	assert.False(t, ok)

	second := recs[1]
	for _, f := range second.Fields[1:] {
		assert.Nil(t, f.Value, f.Name)
	}
}

func TestOpenDBF_SkipsDeleted(t *testing.T) {
	fields := []testField{{name: "ID", typ: 'C', length: 2}}
	dbf := buildDBF(t, fields, [][]string{{"a"}, {"b"}, {"c"}}, []bool{false, true, false})
	path := writeFile(t, "del.dbf", dbf)

	dec, err := NewDecoder(DefaultOptions())
	require.NoError(t, err)
	r, err := dec.OpenDBF(path)
	require.NoError(t, err)
	defer r.Close()

	recs := drain(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Fields[0].Value)
	assert.Equal(t, "c", recs[1].Fields[0].Value)

	opts := DefaultOptions()
	opts.IncludeDeleted = true
	dec, err = NewDecoder(opts)
	require.NoError(t, err)
	r2, err := dec.OpenDBF(path)
	require.NoError(t, err)
	defer r2.Close()
	assert.Len(t, drain(t, r2), 3)
}

func TestOpenDBF_Latin1Text(t *testing.T) {
	fields := []testField{{name: "MUNIC", typ: 'C', length: 10}}
	dbf := buildDBF(t, fields, [][]string{{"S\xe3o Paulo"}}, nil)
	path := writeFile(t, "latin1.dbf", dbf)

	dec, err := NewDecoder(DefaultOptions())
	require.NoError(t, err)
	r, err := dec.OpenDBF(path)
	require.NoError(t, err)
	defer r.Close()

	recs := drain(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "São Paulo", recs[0].Fields[0].Value)
}

func TestOpen_DBC(t *testing.T) {
	dbf := buildDBF(t, sampleFields, [][]string{
		{"355030", " 67", "  3.25", "20190214", "F"},
		{"330455", " 12", "  1.00", "20200101", "T"},
		{"410690", "  1", "  0.50", "20210630", " "},
	}, nil)
	path := writeFile(t, "DOSP2019.dbc", toDBC(dbf))

	dec, err := NewDecoder(DefaultOptions())
	require.NoError(t, err)
	r, err := dec.Open(path)
	require.NoError(t, err)
	defer r.Close()

	recs := drain(t, r)
	require.Len(t, recs, 3)
	assert.Equal(t, "410690", recs[2].Fields[0].Value)
	assert.Equal(t, int64(12), recs[1].Fields[1].Value)
	assert.Nil(t, recs[2].Fields[4].Value)
}

func TestOpen_Malformed(t *testing.T) {
	dec, err := NewDecoder(DefaultOptions())
	require.NoError(t, err)

	_, err = dec.Open(writeFile(t, "short.dbc", []byte("not a dbc")))
	require.Error(t, err)
	assert.True(t, dferrors.IsCode(err, dferrors.CodeInvalidFormat))

	_, err = dec.Open(filepath.Join(t.TempDir(), "missing.dbc"))
	assert.True(t, dferrors.IsCode(err, dferrors.CodeFileNotFound))
}

func TestOpen_TruncatedBody(t *testing.T) {
	fields := []testField{{name: "ID", typ: 'C', length: 4}}
	dbf := buildDBF(t, fields, [][]string{{"aaaa"}, {"bbbb"}}, nil)
	full := toDBC(dbf)
	hlen := int(binary.LittleEndian.Uint16(dbf[8:10]))
	path := writeFile(t, "trunc.dbc", full[:hlen+crcSize+4])

	dec, err := NewDecoder(DefaultOptions())
	require.NoError(t, err)
	r, err := dec.Open(path)
	require.NoError(t, err)
	defer r.Close()

	var lastErr error
	for {
		_, err := r.Next()
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.NotEqual(t, io.EOF, lastErr)
}

func TestOpen_ExposesHeader(t *testing.T) {
	dbf := buildDBF(t, sampleFields, nil, nil)
	path := writeFile(t, "empty.dbc", toDBC(dbf))

	dec, err := NewDecoder(Options{})
	require.NoError(t, err)
	rr, err := dec.Open(path)
	require.NoError(t, err)
	defer rr.Close()

	hr, ok := rr.(HeaderReader)
	require.True(t, ok)
	hdr := hr.Header()
	assert.Equal(t, uint32(0), hdr.NumRecords)
	assert.Equal(t, []string{"CODMUNRES", "IDADE", "PESO", "DTOBITO", "ASSISTMED"}, hdr.FieldNames())
	assert.Equal(t, 2024, hdr.Modified.Year())
}

func TestNewDecoder_UnknownCharset(t *testing.T) {
	_, err := NewDecoder(Options{Charset: "klingon-1"})
	require.Error(t, err)
	assert.True(t, dferrors.IsCode(err, dferrors.CodeEncodingError))
}
