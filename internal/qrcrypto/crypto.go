// Package qrcrypto provides the cryptographic primitives for QR ticket
// verification: HMAC-SHA256 signing, RSA-SHA256 verification, constant-time
// comparison, base64url codecs and the canonical signature string.
package qrcrypto

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors
var (
	ErrNoPublicKey      = errors.New("no RSA public key configured")
	ErrInvalidPEM       = errors.New("failed to decode PEM block")
	ErrNotRSAPublicKey  = errors.New("not an RSA public key")
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// ============================================================================
// CANONICAL SIGNATURE STRING
// ============================================================================

// CanonicalString joins the signed claim fields in their pinned order:
// ticketId|eventId|ticketType|userId|issuedAt|expiresAt|version|algorithm.
// Missing fields contribute an empty string. The field order is a contract
// with the issuing service; changing it silently rejects every token.
func CanonicalString(ticketID, eventID, ticketType, userID, issuedAt, expiresAt, version, algorithm string) string {
	return strings.Join([]string{
		ticketID, eventID, ticketType, userID,
		issuedAt, expiresAt, version, algorithm,
	}, "|")
}

// CanonicalJSON serializes a claims document (minus its signature) with
// lexically sorted keys. Legacy and PNG-embedded tokens are signed over this
// form instead of the pipe-joined string.
func CanonicalJSON(claims map[string]interface{}) ([]byte, error) {
	filtered := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		if k == "signature" {
			continue
		}
		filtered[k] = v
	}

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(filtered[k])
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// ============================================================================
// HMAC-SHA256
// ============================================================================

// SignHMAC computes HMAC-SHA256 over payload with the shared secret.
func SignHMAC(secret []byte, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// SignHMACHex returns the hex-encoded HMAC-SHA256 of payload.
func SignHMACHex(secret []byte, payload []byte) string {
	return hex.EncodeToString(SignHMAC(secret, payload))
}

// VerifyHMAC checks a signature against the expected HMAC of payload using a
// constant-time comparison. The signature may be raw bytes, hex, or base64url;
// all encodings of the same MAC are accepted.
func VerifyHMAC(secret []byte, payload []byte, signature string) bool {
	expected := SignHMAC(secret, payload)

	if decoded, err := hex.DecodeString(signature); err == nil {
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	if decoded, err := DecodeBase64URL(signature); err == nil {
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	return hmac.Equal(expected, []byte(signature))
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// ============================================================================
// RSA-SHA256
// ============================================================================

// ParseRSAPublicKeyPEM parses a PEM-encoded RSA public key (PKIX or PKCS#1).
func ParseRSAPublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSAPublicKey
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPub, nil
}

// VerifyRSA verifies an RSA-SHA256 (PKCS#1 v1.5) signature over payload.
// The signature may be base64url or hex encoded.
func VerifyRSA(pub *rsa.PublicKey, payload []byte, signature string) error {
	if pub == nil {
		return ErrNoPublicKey
	}

	sig, err := DecodeBase64URL(signature)
	if err != nil {
		sig, err = hex.DecodeString(signature)
		if err != nil {
			return fmt.Errorf("undecodable signature: %w", ErrSignatureInvalid)
		}
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// ============================================================================
// BASE64URL
// ============================================================================

// EncodeBase64URL encodes bytes as unpadded base64url (JWT style).
func EncodeBase64URL(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeBase64URL decodes padded or unpadded base64url, falling back to
// standard base64 for issuers that never switched alphabets.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
