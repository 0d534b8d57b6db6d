package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLength is the minimum length of the master signing secret.
	// Shorter secrets fail engine construction; this is a startup invariant,
	// not a per-call failure.
	MinSecretLength = 32

	// DefaultTenant is the tenant namespace used when a caller carries no
	// tenant. Two no-tenant callers on the same session share one token
	// namespace under this sentinel.
	DefaultTenant = "default"

	// nonceLength is the number of random bytes in each token payload,
	// guaranteeing uniqueness even for identical session+tenant+timestamp.
	nonceLength = 16

	// signingKeyLength is the length of each derived per-tenant signing key.
	signingKeyLength = 32

	// keyDerivationInfo prefixes the HKDF info parameter, separating this
	// key hierarchy from any other use of the same master secret.
	keyDerivationInfo = "reqguard/csrf/v1:"
)

// tokenPayload is the signed content of a CSRF token. Instants are epoch
// milliseconds.
type tokenPayload struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Nonce     string `json:"nonce"`
}

// tokenEnvelope is the outer wire structure: the base64url payload and its
// hex HMAC-SHA256 signature, themselves base64url-encoded as one opaque
// string. Clients echo the whole string back unmodified.
type tokenEnvelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// codec encodes, decodes, and signs wire tokens. Signing keys are derived
// per tenant from the master secret via HKDF-SHA256, so a leaked derived key
// compromises only one tenant's namespace. The secret and the derived-key
// cache are read-mostly after startup.
type codec struct {
	secret []byte

	mu   sync.RWMutex
	keys map[string][]byte // normalized tenant -> derived signing key
}

func newCodec(secret []byte) (*codec, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	c := &codec{
		secret: secret,
		keys:   make(map[string][]byte),
	}
	return c, nil
}

// signingKey returns the derived key for a tenant, deriving and caching it on
// first use.
func (c *codec) signingKey(tenantID string) ([]byte, error) {
	c.mu.RLock()
	key, ok := c.keys[tenantID]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	key = make([]byte, signingKeyLength)
	r := hkdf.New(sha256.New, c.secret, nil, []byte(keyDerivationInfo+tenantID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	c.mu.Lock()
	c.keys[tenantID] = key
	c.mu.Unlock()
	return key, nil
}

// encode serializes and signs a payload into the opaque wire token.
func (c *codec) encode(p tokenPayload) (string, error) {
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	sig, err := c.sign(payloadB64, p.TenantID)
	if err != nil {
		return "", err
	}

	envJSON, err := json.Marshal(tokenEnvelope{
		Payload:   payloadB64,
		Signature: hex.EncodeToString(sig),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(envJSON), nil
}

// decode splits a wire token into its payload and signature. A failure at
// any layer means the token is malformed; callers must not distinguish which
// layer failed to clients.
func (c *codec) decode(token string) (tokenPayload, string, []byte, error) {
	var p tokenPayload

	envJSON, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return p, "", nil, fmt.Errorf("decode envelope: %w", err)
	}

	var env tokenEnvelope
	if err := json.Unmarshal(envJSON, &env); err != nil {
		return p, "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Payload == "" || env.Signature == "" {
		return p, "", nil, fmt.Errorf("incomplete envelope")
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return p, "", nil, fmt.Errorf("decode signature: %w", err)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		return p, "", nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return p, "", nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	return p, env.Payload, sig, nil
}

// verify recomputes the signature over the transmitted payload encoding and
// compares in constant time. The signing key is derived from the tenant
// inside the decoded payload, so a tampered tenant field changes the expected
// key and the comparison fails.
func (c *codec) verify(payloadB64 string, p tokenPayload, sig []byte) (bool, error) {
	expected, err := c.sign(payloadB64, p.TenantID)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, sig), nil
}

func (c *codec) sign(payloadB64, tenantID string) ([]byte, error) {
	key, err := c.signingKey(tenantID)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil), nil
}

// tokenHash content-addresses a wire token for storage. Only the hash is
// ever stored, bounding memory and keeping raw tokens out of the store.
func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// normalizeTenant maps an absent tenant to the sentinel namespace.
func normalizeTenant(tenantID string) string {
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}
