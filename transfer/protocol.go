package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxHeaderFieldSize bounds the variable-length header fields so a bogus
// length prefix cannot trigger a huge allocation.
const maxHeaderFieldSize = 4096

var (
	// ErrIncompleteHeader indicates a truncated or malformed transfer header.
	ErrIncompleteHeader = errors.New("transfer: incomplete header")
	// ErrHeaderFieldTooLarge indicates a header length prefix beyond sane bounds.
	ErrHeaderFieldTooLarge = errors.New("transfer: header field exceeds max size")
)

// Header opens every transfer connection. It is followed immediately by the
// raw payload bytes for the declared range, with no further framing.
//
// Wire layout, big-endian:
//
//	u32 id_len | file_id | u32 name_len | file_name |
//	u64 file_size | u64 range_start | u64 range_end |
//	u32 hash_len | file_hash
type Header struct {
	FileID     string
	FileName   string
	FileSize   uint64
	RangeStart uint64
	RangeEnd   uint64
	FileHash   string
}

// RangeKey returns the tracking key for this header's byte range.
func (h Header) RangeKey() string {
	return fmt.Sprintf("%d-%d", h.RangeStart, h.RangeEnd)
}

// PayloadSize returns the number of payload bytes following the header.
func (h Header) PayloadSize() uint64 {
	return h.RangeEnd - h.RangeStart
}

// EncodeHeader serializes a header to its wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, 0, 4+len(h.FileID)+4+len(h.FileName)+8+8+8+4+len(h.FileHash))
	buf = appendString(buf, h.FileID)
	buf = appendString(buf, h.FileName)
	buf = binary.BigEndian.AppendUint64(buf, h.FileSize)
	buf = binary.BigEndian.AppendUint64(buf, h.RangeStart)
	buf = binary.BigEndian.AppendUint64(buf, h.RangeEnd)
	buf = appendString(buf, h.FileHash)
	return buf
}

// DecodeHeader reads one header from r. A short read at any point yields
// ErrIncompleteHeader; decoding never succeeds on a truncated buffer.
func DecodeHeader(r io.Reader) (Header, error) {
	var h Header
	var err error

	if h.FileID, err = readString(r); err != nil {
		return Header{}, err
	}
	if h.FileName, err = readString(r); err != nil {
		return Header{}, err
	}
	if h.FileSize, err = readUint64(r); err != nil {
		return Header{}, err
	}
	if h.RangeStart, err = readUint64(r); err != nil {
		return Header{}, err
	}
	if h.RangeEnd, err = readUint64(r); err != nil {
		return Header{}, err
	}
	if h.FileHash, err = readString(r); err != nil {
		return Header{}, err
	}

	return h, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", incomplete(err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxHeaderFieldSize {
		return "", ErrHeaderFieldTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", incomplete(err)
	}
	return string(data), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, incomplete(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func incomplete(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrIncompleteHeader
	}
	return fmt.Errorf("read transfer header: %w", err)
}
