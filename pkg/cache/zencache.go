package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/zengraph/zengraph/pkg/engine"
)

// Magic opens every .zencache file.
const Magic = "ZENCACHE"

// keySep terminates the key count and every key in the header.
const keySep = '\a'

// Header is the decoded preamble of a .zencache file.
type Header struct {
	Keys []string

	// Offsets holds len(Keys)+1 payload offsets; the last one is the payload size.
	Offsets []uint64

	// PayloadStart is the file offset of the first payload byte.
	PayloadStart int
}

// EncodeZenCache lays out keys and their encoded objects in the .zencache format:
//
//	"ZENCACHE" <count> \a <key1> \a ... <keyN> \a
//	<count+1 little-endian uint64 offsets, last = payload size>
//	<blob1> ... <blobN>
//
// Keys are written in the order given.
func EncodeZenCache(keys []string, blobs [][]byte) ([]byte, error) {
	if len(keys) != len(blobs) {
		return nil, fmt.Errorf("zencache: %d keys but %d blobs", len(keys), len(blobs))
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteString(strconv.Itoa(len(keys)))
	buf.WriteByte(keySep)
	for _, k := range keys {
		if k == "" || strings.IndexByte(k, keySep) >= 0 {
			return nil, fmt.Errorf("zencache: invalid key %q", k)
		}
		buf.WriteString(k)
		buf.WriteByte(keySep)
	}

	var off uint64
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], off)
	buf.Write(word[:])
	for _, b := range blobs {
		off += uint64(len(b))
		binary.LittleEndian.PutUint64(word[:], off)
		buf.Write(word[:])
	}
	for _, b := range blobs {
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeZenCache splits a .zencache file into keys and per-key blobs. An empty input
// holds no objects. Blobs alias data.
func DecodeZenCache(data []byte) ([]string, [][]byte, error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	h, err := ReadHeader(data)
	if err != nil {
		return nil, nil, err
	}
	payload := data[h.PayloadStart:]
	blobs := make([][]byte, len(h.Keys))
	for i := range h.Keys {
		blobs[i] = payload[h.Offsets[i]:h.Offsets[i+1]]
	}
	return h.Keys, blobs, nil
}

// ReadHeader parses and validates the header and offset table of a .zencache file.
func ReadHeader(data []byte) (*Header, error) {
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		return nil, corrupt(engine.ErrCodeBadMagic, "missing ZENCACHE magic")
	}
	pos := len(Magic)

	end := bytes.IndexByte(data[pos:], keySep)
	if end < 0 {
		return nil, corrupt(engine.ErrCodeTruncated, "key count is not terminated")
	}
	count, err := strconv.Atoi(string(data[pos : pos+end]))
	if err != nil || count < 0 {
		return nil, corrupt(engine.ErrCodeBadMagic, fmt.Sprintf("invalid key count %q", data[pos:pos+end]))
	}
	pos += end + 1
	// Every key takes at least its terminator.
	if count > len(data)-pos {
		return nil, corrupt(engine.ErrCodeTruncated, fmt.Sprintf("%d keys declared, %d bytes left", count, len(data)-pos))
	}

	h := &Header{}
	for i := 0; i < count; i++ {
		end := bytes.IndexByte(data[pos:], keySep)
		if end < 0 {
			return nil, corrupt(engine.ErrCodeTruncated, fmt.Sprintf("key %d of %d is not terminated", i+1, count))
		}
		h.Keys = append(h.Keys, string(data[pos:pos+end]))
		pos += end + 1
	}

	table := (count + 1) * 8
	if len(data)-pos < table {
		return nil, corrupt(engine.ErrCodeTruncated, fmt.Sprintf("offset table needs %d bytes, %d left", table, len(data)-pos))
	}
	h.Offsets = make([]uint64, count+1)
	for i := range h.Offsets {
		h.Offsets[i] = binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8
	}
	h.PayloadStart = pos

	size := uint64(len(data) - pos)
	if h.Offsets[0] != 0 {
		return nil, corrupt(engine.ErrCodeOffsetRange, fmt.Sprintf("first offset is %d", h.Offsets[0]))
	}
	for i := 1; i < len(h.Offsets); i++ {
		if h.Offsets[i] < h.Offsets[i-1] {
			return nil, corrupt(engine.ErrCodeOffsetRange, fmt.Sprintf("offset %d decreases", i))
		}
	}
	if last := h.Offsets[count]; last != size {
		code := engine.ErrCodeOffsetRange
		if last > size {
			code = engine.ErrCodeTruncated
		}
		return nil, corrupt(code, fmt.Sprintf("payload is %d bytes, offsets declare %d", size, last))
	}
	return h, nil
}

func corrupt(code, msg string) error {
	return engine.NewCacheCorruptionError("zencache: "+msg, nil).WithCode(code)
}
