package csrf

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/edgewall/reqguard/internal/testutil"
)

func TestCodecRoundTrip(t *testing.T) {
	c, err := newCodec(testutil.TestSecret())
	if err != nil {
		t.Fatalf("newCodec() error = %v", err)
	}

	payload := tokenPayload{
		SessionID: "sess-1",
		TenantID:  "tenant-a",
		IssuedAt:  1700000000000,
		ExpiresAt: 1700086400000,
		Nonce:     "bm9uY2U",
	}

	token, err := c.encode(payload)
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	decoded, payloadB64, sig, err := c.decode(token)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	if decoded != payload {
		t.Errorf("decode() = %+v, want %+v", decoded, payload)
	}

	ok, err := c.verify(payloadB64, decoded, sig)
	if err != nil {
		t.Fatalf("verify() error = %v", err)
	}
	if !ok {
		t.Error("verify() = false for an untampered token")
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := newCodec([]byte("too-short")); err == nil {
		t.Error("newCodec() accepted a secret below the minimum length")
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	c, err := newCodec(testutil.TestSecret())
	if err != nil {
		t.Fatalf("newCodec() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!not-base64!!"},
		{"not JSON", base64.RawURLEncoding.EncodeToString([]byte("plain text"))},
		{"empty envelope", base64.RawURLEncoding.EncodeToString([]byte("{}"))},
		{"signature not hex", base64.RawURLEncoding.EncodeToString(
			[]byte(`{"payload":"eyJ9","signature":"zzzz"}`))},
		{"payload not base64", base64.RawURLEncoding.EncodeToString(
			[]byte(`{"payload":"!!","signature":"abcd"}`))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, err := c.decode(tt.token); err == nil {
				t.Errorf("decode(%q) accepted a malformed token", tt.token)
			}
		})
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	c, err := newCodec(testutil.TestSecret())
	if err != nil {
		t.Fatalf("newCodec() error = %v", err)
	}

	token, err := c.encode(tokenPayload{
		SessionID: "sess-1",
		TenantID:  "tenant-a",
		IssuedAt:  1700000000000,
		ExpiresAt: 1700086400000,
		Nonce:     "bm9uY2U",
	})
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}

	// Swap the tenant inside the payload while keeping the original
	// signature. The signing key is derived from the payload tenant, so the
	// recomputed MAC must not match.
	envJSON, _ := base64.RawURLEncoding.DecodeString(token)
	var env tokenEnvelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	payloadJSON, _ := base64.RawURLEncoding.DecodeString(env.Payload)
	tampered := strings.Replace(string(payloadJSON), "tenant-a", "tenant-b", 1)
	env.Payload = base64.RawURLEncoding.EncodeToString([]byte(tampered))
	tamperedJSON, _ := json.Marshal(env)
	tamperedToken := base64.RawURLEncoding.EncodeToString(tamperedJSON)

	p, payloadB64, sig, err := c.decode(tamperedToken)
	if err != nil {
		t.Fatalf("decode() error = %v", err)
	}
	ok, err := c.verify(payloadB64, p, sig)
	if err != nil {
		t.Fatalf("verify() error = %v", err)
	}
	if ok {
		t.Error("verify() accepted a payload with a swapped tenant")
	}
}

func TestSigningKeysDifferPerTenant(t *testing.T) {
	c, err := newCodec(testutil.TestSecret())
	if err != nil {
		t.Fatalf("newCodec() error = %v", err)
	}

	keyA, err := c.signingKey("tenant-a")
	if err != nil {
		t.Fatalf("signingKey(tenant-a) error = %v", err)
	}
	keyB, err := c.signingKey("tenant-b")
	if err != nil {
		t.Fatalf("signingKey(tenant-b) error = %v", err)
	}
	if string(keyA) == string(keyB) {
		t.Error("different tenants derived the same signing key")
	}

	keyA2, err := c.signingKey("tenant-a")
	if err != nil {
		t.Fatalf("signingKey(tenant-a) second call error = %v", err)
	}
	if string(keyA) != string(keyA2) {
		t.Error("signingKey is not deterministic for the same tenant")
	}
}

func TestTokenHashStable(t *testing.T) {
	h1 := tokenHash("some-token")
	h2 := tokenHash("some-token")
	if h1 != h2 {
		t.Errorf("tokenHash not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("tokenHash length = %d, want 64 hex chars", len(h1))
	}
	if h1 == tokenHash("other-token") {
		t.Error("different tokens produced the same hash")
	}
}

func TestNormalizeTenant(t *testing.T) {
	if got := normalizeTenant(""); got != DefaultTenant {
		t.Errorf("normalizeTenant(\"\") = %q, want %q", got, DefaultTenant)
	}
	if got := normalizeTenant("tenant-a"); got != "tenant-a" {
		t.Errorf("normalizeTenant(\"tenant-a\") = %q", got)
	}
}
