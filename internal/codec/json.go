package codec

import (
	"fmt"
	"math"
)

// ParsedBody is the canonical JSON shape published on the parsed topics.
type ParsedBody struct {
	TS   float64    `json:"ts"`
	DN   string     `json:"dn"`
	SN   int        `json:"sn"`
	P    []int32    `json:"p"`
	Mag  [3]float32 `json:"mag"`
	Gyro [3]float32 `json:"gyro"`
	Acc  [3]float32 `json:"acc"`
}

// EncodeParsed converts a decoded sample to its publish form. Pressures stay
// integers; vector components are floats.
func EncodeParsed(s Sample) (string, ParsedBody) {
	dnHex := s.DN.Hex()
	return dnHex, ParsedBody{
		TS:   s.Timestamp,
		DN:   dnHex,
		SN:   int(s.SN),
		P:    s.Pressures,
		Mag:  s.Mag,
		Gyro: s.Gyro,
		Acc:  s.Acc,
	}
}

// FieldMap names the inbound JSON fields the sink projects. The names are
// resolved once at startup from configuration; decoding walks them directly.
type FieldMap struct {
	DN     string
	SN     string
	TS     string
	TSMS   string
	Press  string
	Mag    string
	Gyro   string
	Acc    string
	TSUnit string // "s" or "ms"
}

// Record is a sink-side sample projected through a FieldMap. TSValid is false
// when the payload timestamp was absent, non-numeric, non-positive, NaN or
// infinite; callers then substitute ingest time.
type Record struct {
	DNHex     string
	SN        int
	TS        float64
	TSValid   bool
	Pressures []float64
	Mag       [3]float64
	Gyro      [3]float64
	Acc       [3]float64
}

// Decode projects one JSON object. Missing SN falls back to the pressure
// count; missing vectors default to zeros. A missing or malformed DN, or a
// record with no channels (no usable SN and no pressures), is an error.
func (m FieldMap) Decode(obj map[string]any) (Record, error) {
	var r Record

	dn, err := dnFromValue(obj[m.DN])
	if err != nil {
		return r, fmt.Errorf("field %q: %w", m.DN, err)
	}
	r.DNHex = dn.Hex()

	r.Pressures = floatSlice(obj[m.Press])

	if sn, ok := intFromValue(obj[m.SN]); ok && sn >= 1 {
		r.SN = sn
	} else {
		r.SN = len(r.Pressures)
	}
	if r.SN < 1 {
		return r, fmt.Errorf("field %q: no channels", m.SN)
	}

	r.TS, r.TSValid = m.resolveTS(obj)
	r.Mag = vec3(obj[m.Mag])
	r.Gyro = vec3(obj[m.Gyro])
	r.Acc = vec3(obj[m.Acc])
	return r, nil
}

// resolveTS combines the ts and millisecond fields. With TSUnit "ms" the ts
// value already carries millisecond resolution, so the separate millisecond
// field is ignored rather than added twice.
func (m FieldMap) resolveTS(obj map[string]any) (float64, bool) {
	ts, ok := floatFromValue(obj[m.TS])
	if !ok {
		return 0, false
	}
	if m.TSUnit == "ms" {
		ts /= 1000
	} else if ms, ok := floatFromValue(obj[m.TSMS]); ok {
		ts += ms / 1000
	}
	if ts <= 0 || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0, false
	}
	return ts, true
}

func dnFromValue(v any) (DN, error) {
	switch t := v.(type) {
	case string:
		return ParseDN(t)
	case float64:
		if t < 0 || t != math.Trunc(t) {
			return DN{}, fmt.Errorf("dn: non-integral %v", t)
		}
		return DNFromUint64(uint64(t))
	case nil:
		return DN{}, fmt.Errorf("dn: missing")
	default:
		return DN{}, fmt.Errorf("dn: unsupported type %T", v)
	}
}

func intFromValue(v any) (int, bool) {
	f, ok := floatFromValue(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func floatFromValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case bool, string, nil:
		return 0, false
	default:
		return 0, false
	}
}

func floatSlice(v any) []float64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, item := range arr {
		f, ok := floatFromValue(item)
		if !ok {
			f = 0
		}
		out = append(out, f)
	}
	return out
}

func vec3(v any) [3]float64 {
	var out [3]float64
	arr, ok := v.([]any)
	if !ok {
		return out
	}
	for i := 0; i < 3 && i < len(arr); i++ {
		if f, ok := floatFromValue(arr[i]); ok {
			out[i] = f
		}
	}
	return out
}
