package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DN is a 6-byte device number. The canonical text form is 12 uppercase hex
// digits; every internal API carries this fixed-width form.
type DN [6]byte

// BroadcastDN is the symbolic selector accepted by modules that opt into
// broadcast semantics (the record-control path). It never appears as a key.
const BroadcastDN = "ALL"

// Hex returns the canonical 12-char uppercase representation.
func (d DN) Hex() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

func (d DN) String() string { return d.Hex() }

// IsZero reports whether the DN is all zeroes.
func (d DN) IsZero() bool { return d == DN{} }

// DNFromBytes builds a DN from exactly 6 raw bytes.
func DNFromBytes(b []byte) (DN, error) {
	var d DN
	if len(b) != 6 {
		return d, fmt.Errorf("dn: want 6 bytes, got %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// DNFromUint64 interprets v as a 6-byte big-endian device number.
func DNFromUint64(v uint64) (DN, error) {
	var d DN
	if v > 0xFFFFFFFFFFFF {
		return d, fmt.Errorf("dn: %d exceeds 6 bytes", v)
	}
	for i := 5; i >= 0; i-- {
		d[i] = byte(v)
		v >>= 8
	}
	return d, nil
}

// ParseDN normalizes a textual device number: separators (":", "-", space)
// are stripped, hex is uppercased, and the result is right-aligned to 12
// digits with zero padding on the left. Longer strings keep their last 12
// digits, mirroring how devices report MACs with vendor prefixes.
func ParseDN(s string) (DN, error) {
	var d DN
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(strings.TrimSpace(s))
	if clean == "" {
		return d, fmt.Errorf("dn: empty")
	}
	clean = strings.ToUpper(clean)
	for _, c := range clean {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return d, fmt.Errorf("dn: invalid hex %q", s)
		}
	}
	if len(clean) > 12 {
		clean = clean[len(clean)-12:]
	} else if len(clean) < 12 {
		clean = strings.Repeat("0", 12-len(clean)) + clean
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return d, fmt.Errorf("dn: %w", err)
	}
	copy(d[:], raw)
	return d, nil
}

// NormalizeDNHex is ParseDN for callers that only need the canonical string.
func NormalizeDNHex(s string) (string, error) {
	d, err := ParseDN(s)
	if err != nil {
		return "", err
	}
	return d.Hex(), nil
}

// ValidDNHex reports whether s already is, or normalizes to, a well-formed DN.
func ValidDNHex(s string) bool {
	_, err := ParseDN(s)
	return err == nil
}
