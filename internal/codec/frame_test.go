package codec

import (
	"bytes"
	"encoding/hex"
	"math"
	"strings"
	"testing"
)

// A known-good single-channel frame: ts_sec=100, ts_ms=1000, SN=1, P1=42,
// all vectors (1,0,0).
func specFrame(t *testing.T) []byte {
	t.Helper()
	h := strings.ReplaceAll(
		"5A5A 010203040506 01 64000000 E803 2A000000 "+
			"0000803F 00000000 00000000 "+
			"0000803F 00000000 00000000 "+
			"0000803F 00000000 00000000 A5A5", " ", "")
	raw, err := hex.DecodeString(h)
	if err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return raw
}

func TestParseSpecFrame(t *testing.T) {
	frame := specFrame(t)
	if len(frame) != FrameLen(1) {
		t.Fatalf("fixture len = %d, want %d", len(frame), FrameLen(1))
	}
	s, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.DN.Hex() != "010203040506" {
		t.Errorf("dn = %s", s.DN.Hex())
	}
	if s.SN != 1 || len(s.Pressures) != 1 || s.Pressures[0] != 42 {
		t.Errorf("pressures = %v (sn=%d)", s.Pressures, s.SN)
	}
	if math.Abs(s.Timestamp-101.0) > 1e-9 {
		t.Errorf("ts = %v, want 101.0", s.Timestamp)
	}
	for _, triple := range [][3]float32{s.Mag, s.Gyro, s.Acc} {
		if triple != [3]float32{1, 0, 0} {
			t.Errorf("vector = %v, want (1,0,0)", triple)
		}
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	samples := []Sample{
		{
			DN:        DN{0xE0, 0x0A, 0xD6, 0x77, 0x38, 0x66},
			Timestamp: 439.303,
			Pressures: []int32{311, 312, 312, -5},
			Mag:       [3]float32{4, 14, 39},
			Gyro:      [3]float32{0.061, -0.122, 0},
			Acc:       [3]float32{0.052, -0.0257, 0.995},
		},
		{
			DN:        DN{1, 2, 3, 4, 5, 6},
			Timestamp: 1,
			Pressures: []int32{0},
		},
	}
	for _, want := range samples {
		got, err := Parse(Encode(want))
		if err != nil {
			t.Fatalf("Parse(Encode): %v", err)
		}
		if got.DN != want.DN || int(got.SN) != len(want.Pressures) {
			t.Errorf("identity fields: %+v", got)
		}
		if math.Abs(got.Timestamp-want.Timestamp) > 0.0015 {
			t.Errorf("ts = %v, want %v", got.Timestamp, want.Timestamp)
		}
		for i, p := range want.Pressures {
			if got.Pressures[i] != p {
				t.Errorf("p[%d] = %d, want %d", i, got.Pressures[i], p)
			}
		}
		if got.Mag != want.Mag || got.Gyro != want.Gyro || got.Acc != want.Acc {
			t.Errorf("vectors differ: %+v", got)
		}
	}
}

func TestParseRejects(t *testing.T) {
	good := specFrame(t)

	short := good[:10]
	if _, err := Parse(short); err == nil {
		t.Error("short frame accepted")
	}

	badStart := append([]byte{}, good...)
	badStart[0] = 0x00
	if _, err := Parse(badStart); err == nil {
		t.Error("bad start marker accepted")
	}

	badEnd := append([]byte{}, good...)
	badEnd[len(badEnd)-1] = 0x00
	if _, err := Parse(badEnd); err == nil {
		t.Error("bad end marker accepted")
	}

	trailing := append(append([]byte{}, good...), 0x01)
	if _, err := Parse(trailing); err == nil {
		t.Error("trailing bytes accepted")
	}
}

func TestExtractFramesWithGarbage(t *testing.T) {
	frame := specFrame(t)
	blob := bytes.Join([][]byte{
		{0xDE, 0xAD}, frame, {0x01, 0x02, 0x03}, frame, {0xFF}, frame,
	}, nil)
	frames := ExtractFrames(blob)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(f, frame) {
			t.Errorf("frame %d mangled", i)
		}
	}
}

func TestExtractFramesPartialTail(t *testing.T) {
	frame := specFrame(t)
	blob := append(append([]byte{}, frame...), frame[:20]...)
	frames := ExtractFrames(blob)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1 (partial tail re-buffered)", len(frames))
	}
}

func TestQuickDN(t *testing.T) {
	dn, ok := QuickDN(specFrame(t))
	if !ok || dn.Hex() != "010203040506" {
		t.Fatalf("QuickDN = %v, %v", dn, ok)
	}
	if _, ok := QuickDN([]byte{0x5A}); ok {
		t.Error("short payload accepted")
	}
	if _, ok := QuickDN([]byte("SUBSCRIBE")); ok {
		t.Error("token accepted as frame")
	}
}

func TestEncodeParsedBody(t *testing.T) {
	s, err := Parse(specFrame(t))
	if err != nil {
		t.Fatal(err)
	}
	dnHex, body := EncodeParsed(s)
	if dnHex != "010203040506" || body.DN != dnHex {
		t.Fatalf("dn = %s / %s", dnHex, body.DN)
	}
	if body.SN != 1 || body.P[0] != 42 || body.TS != 101.0 {
		t.Fatalf("body = %+v", body)
	}
}
