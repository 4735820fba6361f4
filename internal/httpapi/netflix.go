package httpapi

import (
	"encoding/binary"
	"time"
)

// Synthetic video chunk layout: 48-byte little-endian header, then a
// 16-byte NUL-padded session id, a 16-byte NUL-padded flow id, and a
// patterned payload fill.
const (
	netflixHeaderSize = 48
	netflixIDSize     = 16
	NetflixPrefixSize = netflixHeaderSize + 2*netflixIDSize
)

// Quality levels on the wire.
var qualityLevels = map[string]byte{
	"480p":  0,
	"720p":  1,
	"1080p": 2,
	"HD":    3,
}

// Keyframe payloads rotate four words; delta frames repeat a single
// sequence-derived word.
var keyframePatterns = [4]uint32{0x12345678, 0x87654321, 0xABCDEF00, 0x00FEDCBA}

// NetflixHeader is the decoded form of the 48-byte chunk header. Exported
// for client-side decoding and tests.
type NetflixHeader struct {
	Sequence    uint32
	TimestampMS uint32
	ChunkSize   uint32
	Reserved    uint32
	ViewerCount uint16
	Keyframe    byte
	Quality     byte
	Complexity  byte
	BufferLevel uint16
}

// BuildNetflixChunk renders a complete synthetic chunk of exactly size
// bytes. Sizes below the header+id prefix are grown to fit the prefix.
func BuildNetflixChunk(size int, quality string, sequence uint32, sessionID, flowID string) []byte {
	if size < NetflixPrefixSize {
		size = NetflixPrefixSize
	}
	buf := make([]byte, size)

	qlevel, ok := qualityLevels[quality]
	if !ok {
		qlevel = qualityLevels["1080p"]
	}
	var keyframe byte
	if sequence%30 == 0 {
		keyframe = 1
	}

	le := binary.LittleEndian
	le.PutUint32(buf[0:], sequence)
	le.PutUint32(buf[4:], uint32(time.Now().UnixMilli()))
	le.PutUint32(buf[8:], uint32(size))
	le.PutUint32(buf[12:], 0) // reserved
	le.PutUint16(buf[16:], 0) // viewer count placeholder
	buf[18] = keyframe
	buf[19] = qlevel
	buf[20] = 1 // complexity: medium
	buf[21] = 0
	le.PutUint16(buf[22:], 0) // buffer level placeholder
	le.PutUint16(buf[24:], 0)
	// Bytes 26..47 stay zero; the header is fixed at 48 bytes.

	copyPadded(buf[netflixHeaderSize:netflixHeaderSize+netflixIDSize], sessionID)
	copyPadded(buf[netflixHeaderSize+netflixIDSize:NetflixPrefixSize], flowID)

	payload := buf[NetflixPrefixSize:]
	if keyframe == 1 {
		for i := 0; i < len(payload); i += 4 {
			word := keyframePatterns[(i/4)%len(keyframePatterns)]
			putWord(payload[i:], word)
		}
	} else {
		word := 0x11111111 ^ (sequence & 0xFFFF)
		for i := 0; i < len(payload); i += 4 {
			putWord(payload[i:], word)
		}
	}
	return buf
}

// ParseNetflixHeader decodes the fixed header from a chunk prefix.
func ParseNetflixHeader(b []byte) NetflixHeader {
	le := binary.LittleEndian
	return NetflixHeader{
		Sequence:    le.Uint32(b[0:]),
		TimestampMS: le.Uint32(b[4:]),
		ChunkSize:   le.Uint32(b[8:]),
		Reserved:    le.Uint32(b[12:]),
		ViewerCount: le.Uint16(b[16:]),
		Keyframe:    b[18],
		Quality:     b[19],
		Complexity:  b[20],
		BufferLevel: le.Uint16(b[22:]),
	}
}

func copyPadded(dst []byte, s string) {
	n := copy(dst, s)
	for ; n < len(dst); n++ {
		dst[n] = 0
	}
}

// putWord writes a little-endian word, truncating at the buffer end so the
// fill never rounds the chunk size up.
func putWord(dst []byte, w uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], w)
	copy(dst, tmp[:])
}
