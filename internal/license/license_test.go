package license

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func (s keySigner) Sign(payload []byte) ([]byte, error) {
	fs := FileSigner{key: s.key}
	return fs.Sign(payload)
}

func testSigner(t *testing.T) (keySigner, *ecdsa.PublicKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return keySigner{key: key}, &key.PublicKey
}

func TestTokenRoundTrip(t *testing.T) {
	signer, pub := testSigner(t)
	expiry := time.Date(2027, 3, 1, 23, 59, 59, 0, time.UTC)
	token, err := MakeToken("E0:0A:D6:77:38:66", TierPro, expiry, signer)
	if err != nil {
		t.Fatalf("MakeToken: %v", err)
	}

	parsed, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed.Version != 2 {
		t.Errorf("version = %d", parsed.Version)
	}
	if parsed.Tier != TierPro {
		t.Errorf("tier = %d", parsed.Tier)
	}
	if parsed.MAC != "E00AD6773866" {
		t.Errorf("mac = %s", parsed.MAC)
	}
	if !parsed.Expiry.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", parsed.Expiry, expiry)
	}
	if !parsed.Verify(pub) {
		t.Error("signature did not verify")
	}
}

func TestVerifyRejectsTamper(t *testing.T) {
	signer, pub := testSigner(t)
	expiry := time.Date(2027, 3, 1, 23, 59, 59, 0, time.UTC)
	token, err := MakeToken("E00AD6773866", TierBasic, expiry, signer)
	if err != nil {
		t.Fatalf("MakeToken: %v", err)
	}
	parsed, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	parsed.Payload[1] = TierPro // upgrade attempt
	if parsed.Verify(pub) {
		t.Fatal("tampered payload verified")
	}
}

func TestParseTier(t *testing.T) {
	for name, want := range map[string]byte{"basic": TierBasic, "Advanced": TierAdvanced, " PRO ": TierPro} {
		got, err := ParseTier(name)
		if err != nil || got != want {
			t.Errorf("ParseTier(%q) = %d, %v", name, got, err)
		}
	}
	if _, err := ParseTier("enterprise"); err == nil {
		t.Error("unknown tier accepted")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "!!!!", "MFRGG"} {
		if _, err := ParseToken(s); err == nil {
			t.Errorf("ParseToken(%q) accepted", s)
		}
	}
}
