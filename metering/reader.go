package metering

import (
	goerrors "errors"
	"io"
	"unicode/utf8"
)

// errOverflow is returned when a LEB128 value exceeds its bit width.
var errOverflow = goerrors.New("leb128: overflow")

// reader is a position-tracking cursor over an in-memory wasm binary.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) len() int {
	return len(r.buf) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peekByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	return r.buf[r.pos], nil
}

// readBytes returns a subslice of the underlying buffer without copying.
func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || n > r.len() {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) skip(n int) error {
	_, err := r.readBytes(n)
	return err
}

func (r *reader) readU32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, errOverflow
		}
	}
}

func (r *reader) readU64() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 70 {
			return 0, errOverflow
		}
	}
}

func (r *reader) readS32() (int32, error) {
	var result int32
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 35 {
			return 0, errOverflow
		}
	}
	if shift < 32 && b&0x40 != 0 {
		result |= ^int32(0) << shift
	}
	return result, nil
}

func (r *reader) readS64() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.readByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 70 {
			return 0, errOverflow
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= ^int64(0) << shift
	}
	return result, nil
}

func (r *reader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	data, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", goerrors.New("invalid UTF-8 in name")
	}
	return string(data), nil
}

// readVecLen reads a vector length and rejects counts that cannot fit in
// the remaining bytes, so callers never preallocate from untrusted input.
func (r *reader) readVecLen() (int, error) {
	n, err := r.readU32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.len() {
		return 0, io.ErrUnexpectedEOF
	}
	return int(n), nil
}

func appendU32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

func appendS32(dst []byte, v int32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

func appendName(dst []byte, s string) []byte {
	dst = appendU32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = appendU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}
