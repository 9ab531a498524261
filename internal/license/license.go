package license

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base32"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/etx-iot/etx/internal/codec"
)

// Token layout: B32(payload || sig_len || sig) with base32 padding stripped.
// payload = ver(1)=2 || tier(1) || expiry_be32(4) || mac(6).
const payloadVersion = 2

// Tier codes carried in the token.
const (
	TierBasic    byte = 0x01
	TierAdvanced byte = 0x02
	TierPro      byte = 0x03
)

var tierNames = map[string]byte{
	"basic":    TierBasic,
	"advanced": TierAdvanced,
	"pro":      TierPro,
}

// ParseTier maps a tier name to its wire code.
func ParseTier(name string) (byte, error) {
	code, ok := tierNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("license: tier must be one of basic, advanced, pro")
	}
	return code, nil
}

// TierName is the inverse of ParseTier; unknown codes render as hex.
func TierName(code byte) string {
	for name, c := range tierNames {
		if c == code {
			return name
		}
	}
	return fmt.Sprintf("0x%02X", code)
}

// Signer abstracts the signing primitive so key management stays outside
// this package.
type Signer interface {
	Sign(payload []byte) ([]byte, error)
}

// FileSigner signs with an ECDSA P-256 private key loaded from a PEM file.
type FileSigner struct {
	key *ecdsa.PrivateKey
}

func NewFileSigner(path string) (*FileSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("license: read key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("license: %s is not PEM", path)
	}
	var key *ecdsa.PrivateKey
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		key = k
	} else if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ec, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("license: %s is not an ECDSA key", path)
		}
		key = ec
	} else {
		return nil, fmt.Errorf("license: parse key: %w", err)
	}
	return &FileSigner{key: key}, nil
}

func (s *FileSigner) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, s.key, digest[:])
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// MakeToken builds and signs a license token for the device mac (any DN
// spelling), expiring expiry (UTC, truncated to seconds).
func MakeToken(mac string, tier byte, expiry time.Time, signer Signer) (string, error) {
	dn, err := codec.ParseDN(mac)
	if err != nil {
		return "", fmt.Errorf("license: %w", err)
	}
	exp := expiry.Unix()
	if exp <= 0 || exp > 0xFFFFFFFF {
		return "", fmt.Errorf("license: expiry out of range")
	}

	payload := make([]byte, 0, 12)
	payload = append(payload, payloadVersion, tier)
	payload = append(payload, byte(exp>>24), byte(exp>>16), byte(exp>>8), byte(exp))
	payload = append(payload, dn[:]...)

	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("license: sign: %w", err)
	}
	if len(sig) > 255 {
		return "", fmt.Errorf("license: signature too long")
	}
	token := append(append(payload, byte(len(sig))), sig...)
	return b32.EncodeToString(token), nil
}

// Expiry computes the token expiry for a duration in days: end of that
// calendar day, UTC.
func Expiry(days int) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, fmt.Errorf("license: days must be positive")
	}
	t := time.Now().UTC().AddDate(0, 0, days)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC), nil
}

// Token is the decoded form, for display and verification.
type Token struct {
	Version byte
	Tier    byte
	Expiry  time.Time
	MAC     string
	Payload []byte
	Sig     []byte
}

// ParseToken decodes a base32 token without verifying the signature.
func ParseToken(s string) (*Token, error) {
	raw, err := b32.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
	if err != nil {
		return nil, fmt.Errorf("license: decode: %w", err)
	}
	if len(raw) < 13 {
		return nil, fmt.Errorf("license: token too short")
	}
	payload := raw[:12]
	sigLen := int(raw[12])
	if len(raw) != 13+sigLen {
		return nil, fmt.Errorf("license: signature length mismatch")
	}
	exp := int64(payload[2])<<24 | int64(payload[3])<<16 | int64(payload[4])<<8 | int64(payload[5])
	dn, err := codec.DNFromBytes(payload[6:12])
	if err != nil {
		return nil, err
	}
	return &Token{
		Version: payload[0],
		Tier:    payload[1],
		Expiry:  time.Unix(exp, 0).UTC(),
		MAC:     dn.Hex(),
		Payload: append([]byte(nil), payload...),
		Sig:     append([]byte(nil), raw[13:]...),
	}, nil
}

// Verify checks the token signature against pub.
func (t *Token) Verify(pub *ecdsa.PublicKey) bool {
	digest := sha256.Sum256(t.Payload)
	return ecdsa.VerifyASN1(pub, digest[:], t.Sig)
}
