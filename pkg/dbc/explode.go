package dbc

import (
	"bufio"
	"errors"
	"io"
)

// PKWARE Data Compression Library "implode" decompressor. DBC files carry
// their record area in this format.

const (
	maxBits = 13   // maximum code length
	maxWin  = 4096 // maximum window size
)

var (
	errTruncated   = errors.New("dbc: compressed stream truncated")
	errLiteralFlag = errors.New("dbc: invalid literal flag in compressed header")
	errDictSize    = errors.New("dbc: invalid dictionary size in compressed header")
	errDistance    = errors.New("dbc: distance too far back")
	errCode        = errors.New("dbc: invalid huffman code")
)

// Code length tables in run-length form: the low nibble is a length and the
// high nibble plus one is how many consecutive symbols share it.
var (
	litLen = []byte{
		11, 124, 8, 7, 28, 7, 188, 13, 76, 4, 10, 8, 12, 10, 12, 10, 8, 23, 8,
		9, 7, 6, 7, 8, 7, 6, 55, 8, 23, 24, 12, 11, 7, 9, 11, 12, 6, 7, 22, 5,
		7, 24, 6, 11, 9, 6, 7, 22, 7, 11, 38, 7, 9, 8, 25, 11, 8, 11, 9, 12,
		8, 12, 5, 38, 5, 38, 5, 11, 7, 5, 6, 21, 6, 10, 53, 8, 7, 24, 10, 27,
		44, 253, 253, 253, 252, 252, 252, 13, 12, 45, 12, 45, 12, 61, 12, 45,
		44, 173,
	}
	lenLen  = []byte{2, 35, 36, 53, 38, 23}
	distLen = []byte{2, 20, 53, 230, 247, 151, 248}

	lenBase  = [16]int{3, 2, 4, 5, 6, 7, 8, 9, 10, 12, 16, 24, 40, 72, 136, 264}
	lenExtra = [16]int{0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}

	litCode  = construct(litLen)
	lenCode  = construct(lenLen)
	distCode = construct(distLen)
)

// endOfStream is the decoded length that terminates the compressed data.
const endOfStream = 519

type huffman struct {
	count  [maxBits + 1]int // number of symbols of each length
	symbol []int            // symbols ordered by length then value
}

func construct(rep []byte) *huffman {
	var length []int
	for _, b := range rep {
		n := int(b>>4) + 1
		l := int(b & 15)
		for ; n > 0; n-- {
			length = append(length, l)
		}
	}

	h := &huffman{symbol: make([]int, len(length))}
	for _, l := range length {
		h.count[l]++
	}

	var offs [maxBits + 1]int
	for l := 1; l < maxBits; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	for sym, l := range length {
		if l != 0 {
			h.symbol[offs[l]] = sym
			offs[l]++
		}
	}
	return h
}

type exploder struct {
	in     io.ByteReader
	bitBuf int
	bitCnt int

	out   io.Writer
	win   [maxWin]byte
	next  int
	first bool // true until the window has been flushed once
}

// Explode decompresses a complete imploded stream from r into w.
func Explode(r io.Reader, w io.Writer) error {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	s := &exploder{in: br, out: w, first: true}
	if err := s.run(); err != nil {
		return err
	}
	return s.flush()
}

// NewExplodeReader returns a reader that lazily decompresses r.
func NewExplodeReader(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Explode(r, pw))
	}()
	return pr
}

func (s *exploder) bits(need int) (int, error) {
	val := s.bitBuf
	for s.bitCnt < need {
		b, err := s.in.ReadByte()
		if err != nil {
			if err == io.EOF {
				return 0, errTruncated
			}
			return 0, err
		}
		val |= int(b) << s.bitCnt
		s.bitCnt += 8
	}
	s.bitBuf = val >> need
	s.bitCnt -= need
	return val & ((1 << need) - 1), nil
}

// decode reads one symbol. Codes are stored bit-inverted in the stream.
func (s *exploder) decode(h *huffman) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= maxBits; l++ {
		b, err := s.bits(1)
		if err != nil {
			return 0, err
		}
		code |= b ^ 1
		count := h.count[l]
		if code < first+count {
			return h.symbol[index+(code-first)], nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, errCode
}

func (s *exploder) put(b byte) error {
	s.win[s.next] = b
	s.next++
	if s.next == maxWin {
		if err := s.flush(); err != nil {
			return err
		}
		s.next = 0
		s.first = false
	}
	return nil
}

func (s *exploder) flush() error {
	if s.next == 0 {
		return nil
	}
	_, err := s.out.Write(s.win[:s.next])
	return err
}

func (s *exploder) run() error {
	lit, err := s.bits(8)
	if err != nil {
		return err
	}
	if lit > 1 {
		return errLiteralFlag
	}
	dict, err := s.bits(8)
	if err != nil {
		return err
	}
	if dict < 4 || dict > 6 {
		return errDictSize
	}

	for {
		flag, err := s.bits(1)
		if err != nil {
			return err
		}

		if flag == 0 {
			var sym int
			if lit == 1 {
				sym, err = s.decode(litCode)
			} else {
				sym, err = s.bits(8)
			}
			if err != nil {
				return err
			}
			if err := s.put(byte(sym)); err != nil {
				return err
			}
			continue
		}

		sym, err := s.decode(lenCode)
		if err != nil {
			return err
		}
		extra, err := s.bits(lenExtra[sym])
		if err != nil {
			return err
		}
		length := lenBase[sym] + extra
		if length == endOfStream {
			return nil
		}

		shift := dict
		if length == 2 {
			shift = 2
		}
		hi, err := s.decode(distCode)
		if err != nil {
			return err
		}
		lo, err := s.bits(shift)
		if err != nil {
			return err
		}
		dist := hi<<shift + lo + 1
		if s.first && dist > s.next {
			return errDistance
		}

		for ; length > 0; length-- {
			from := s.next - dist
			if from < 0 {
				from += maxWin
			}
			if err := s.put(s.win[from]); err != nil {
				return err
			}
		}
	}
}
