package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

// Wire layout:
//
//	5A 5A | DN[6] | SN | ts_sec LE32 | ts_ms LE16 | P[SN]*int32 LE | Mag 3*f32 | Gyro 3*f32 | Acc 3*f32 | A5 A5
//
// Total length = 17 + 4*SN + 36.
const (
	startMarker = 0x5A
	endMarker   = 0xA5

	headerSize = 2 + 6 + 1 + 4 + 2 // markers + DN + SN + ts_sec + ts_ms
	imuTail    = 36 + 2            // 3 float triples + end markers
)

var (
	ErrShortFrame     = errors.New("codec: frame too short")
	ErrBadMarker      = errors.New("codec: bad frame marker")
	ErrLengthMismatch = errors.New("codec: frame length mismatch")
)

// Sample is one decoded telemetry record.
type Sample struct {
	DN        DN
	SN        uint8
	Timestamp float64 // seconds, ts_sec + ts_ms/1000
	Pressures []int32
	Mag       [3]float32
	Gyro      [3]float32
	Acc       [3]float32
}

// FrameLen returns the on-wire length of a frame carrying sn pressure channels.
func FrameLen(sn int) int { return headerSize + sn*4 + imuTail }

// Parse decodes a single complete frame. The input must be exactly one frame;
// trailing or missing bytes are an error.
func Parse(data []byte) (Sample, error) {
	var s Sample
	if len(data) < headerSize+imuTail {
		return s, ErrShortFrame
	}
	if data[0] != startMarker || data[1] != startMarker {
		return s, ErrBadMarker
	}
	sn := data[8]
	if sn < 1 {
		return s, ErrLengthMismatch
	}
	want := FrameLen(int(sn))
	if len(data) != want {
		return s, ErrLengthMismatch
	}
	if data[want-2] != endMarker || data[want-1] != endMarker {
		return s, ErrBadMarker
	}

	copy(s.DN[:], data[2:8])
	s.SN = sn
	sec := binary.LittleEndian.Uint32(data[9:13])
	ms := binary.LittleEndian.Uint16(data[13:15])
	s.Timestamp = float64(sec) + float64(ms)/1000

	off := 15
	s.Pressures = make([]int32, sn)
	for i := 0; i < int(sn); i++ {
		s.Pressures[i] = int32(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	for i := 0; i < 3; i++ {
		s.Mag[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	for i := 0; i < 3; i++ {
		s.Gyro[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	for i := 0; i < 3; i++ {
		s.Acc[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}
	return s, nil
}

// Encode produces the wire form of s. SN is taken from len(s.Pressures).
func Encode(s Sample) []byte {
	sn := len(s.Pressures)
	out := make([]byte, FrameLen(sn))
	out[0], out[1] = startMarker, startMarker
	copy(out[2:8], s.DN[:])
	out[8] = uint8(sn)

	sec := uint32(s.Timestamp)
	ms := uint16(math.Round((s.Timestamp - float64(sec)) * 1000))
	if ms >= 1000 {
		sec++
		ms -= 1000
	}
	binary.LittleEndian.PutUint32(out[9:13], sec)
	binary.LittleEndian.PutUint16(out[13:15], ms)

	off := 15
	for _, p := range s.Pressures {
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(p))
		off += 4
	}
	for _, triple := range [][3]float32{s.Mag, s.Gyro, s.Acc} {
		for _, v := range triple {
			binary.LittleEndian.PutUint32(out[off:off+4], math.Float32bits(v))
			off += 4
		}
	}
	out[off], out[off+1] = endMarker, endMarker
	return out
}

// ExtractFrames scans blob for zero or more concatenated frames, skipping
// garbage between them. A partial trailing frame is left for the caller to
// re-buffer; it is not returned and does not consume the scan.
func ExtractFrames(blob []byte) [][]byte {
	var frames [][]byte
	idx := 0
	n := len(blob)
	for idx+headerSize+2 <= n {
		if blob[idx] != startMarker || blob[idx+1] != startMarker {
			idx++
			continue
		}
		if idx+headerSize > n {
			break
		}
		sn := int(blob[idx+8])
		if sn < 1 {
			idx += 2
			continue
		}
		end := idx + FrameLen(sn)
		if end > n {
			break // partial trailing frame
		}
		if blob[end-2] != endMarker || blob[end-1] != endMarker {
			idx += 2
			continue
		}
		frames = append(frames, blob[idx:end])
		idx = end
	}
	return frames
}

// QuickDN extracts the device number without a full parse. Used on the hot
// path when parsed fan-out is disabled.
func QuickDN(payload []byte) (DN, bool) {
	var d DN
	if len(payload) < 8 || payload[0] != startMarker || payload[1] != startMarker {
		return d, false
	}
	copy(d[:], payload[2:8])
	return d, true
}
