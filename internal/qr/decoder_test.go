package qr

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qrcrypto"
)

var (
	testSecret = []byte("unit-test-secret")
	testNow    = time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
)

func testDecoder(t *testing.T) *Decoder {
	t.Helper()
	cfg := DefaultConfig(testSecret)
	return NewDecoderAt(cfg, func() time.Time { return testNow })
}

type testTicket struct {
	TicketID   string
	EventID    string
	TicketType string
	UserID     string
	IssuedAt   string
	ExpiresAt  string
	Version    string
	Algorithm  string
}

func defaultTicket() testTicket {
	return testTicket{
		TicketID:   "T1",
		EventID:    "E1",
		TicketType: "standard",
		UserID:     "U1",
		IssuedAt:   "2026-01-28T09:00:00Z",
		ExpiresAt:  "2026-12-31T23:59:59Z",
		Version:    "1.0",
		Algorithm:  "HS256",
	}
}

func (tt testTicket) sign() string {
	payload := qrcrypto.CanonicalString(
		tt.TicketID, tt.EventID, tt.TicketType, tt.UserID,
		tt.IssuedAt, tt.ExpiresAt, tt.Version, tt.Algorithm)
	return qrcrypto.SignHMACHex(testSecret, []byte(payload))
}

func (tt testTicket) jsonDoc(sig string) map[string]interface{} {
	doc := map[string]interface{}{
		"ticketId":   tt.TicketID,
		"eventId":    tt.EventID,
		"ticketType": tt.TicketType,
		"issuedAt":   tt.IssuedAt,
		"expiresAt":  tt.ExpiresAt,
		"version":    tt.Version,
		"algorithm":  tt.Algorithm,
		"signature":  sig,
	}
	if tt.UserID != "" {
		doc["userId"] = tt.UserID
	}
	return doc
}

func (tt testTicket) asJSON() string {
	b, _ := json.Marshal(tt.jsonDoc(tt.sign()))
	return string(b)
}

func (tt testTicket) asBase64() string {
	return qrcrypto.EncodeBase64URL([]byte(tt.asJSON()))
}

func (tt testTicket) asJWT() string {
	header, _ := json.Marshal(map[string]string{"alg": tt.Algorithm, "typ": "QR", "version": tt.Version})
	body := tt.jsonDoc("")
	delete(body, "signature")
	delete(body, "algorithm")
	payload, _ := json.Marshal(body)
	return qrcrypto.EncodeBase64URL(header) + "." +
		qrcrypto.EncodeBase64URL(payload) + "." +
		tt.sign()
}

// ============================================================================
// FORMAT DETECTION
// ============================================================================

func TestDetectFormat(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()

	cases := []struct {
		name    string
		payload string
		want    Format
	}{
		{"jwt", tk.asJWT(), FormatJWT},
		{"png", pngDataPrefix + "aGVsbG8=", FormatPNG},
		{"base64", tk.asBase64(), FormatBase64},
		{"json", tk.asJSON(), FormatJSON},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := d.DetectFormat(tc.payload)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := d.DetectFormat("not a qr payload at all")
	assert.False(t, ok)
}

// ============================================================================
// DECODE + VERIFY
// ============================================================================

func TestDecodeJSONHappyPath(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()

	claims, info, err := d.Decode(tk.asJSON())
	require.NoError(t, err)
	assert.Equal(t, "T1", claims.TicketID)
	assert.Equal(t, "E1", claims.EventID)
	assert.Equal(t, "standard", claims.TicketType)
	assert.Equal(t, FormatJSON, info.FormatType)
	assert.Equal(t, "HMAC-SHA256", info.CryptographicMethod)
	assert.Equal(t, testNow, info.ValidatedAt)
}

func TestDecodeJWTHappyPath(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()

	claims, info, err := d.Decode(tk.asJWT())
	require.NoError(t, err)
	assert.Equal(t, "T1", claims.TicketID)
	assert.Equal(t, "HS256", claims.Algorithm)
	assert.Equal(t, "1.0", claims.Version)
	assert.Equal(t, FormatJWT, info.FormatType)
}

func TestDecodeBase64HappyPath(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()

	claims, info, err := d.Decode(tk.asBase64())
	require.NoError(t, err)
	assert.Equal(t, "T1", claims.TicketID)
	assert.Equal(t, FormatBase64, info.FormatType)
}

func TestDecodeIsDeterministic(t *testing.T) {
	d := testDecoder(t)
	payload := defaultTicket().asJSON()

	a, _, err := d.Decode(payload)
	require.NoError(t, err)
	b, _, err := d.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, a.TicketID, b.TicketID)
	assert.Equal(t, a.Signature, b.Signature)
}

func TestDecodeMissingUserIDAccepted(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	tk.UserID = ""

	claims, _, err := d.Decode(tk.asJSON())
	require.NoError(t, err)
	assert.Empty(t, claims.UserID)
}

func TestForgedSignatureRaisesFraudFlag(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	doc := tk.jsonDoc(qrcrypto.SignHMACHex([]byte("attacker-secret"), []byte("whatever")))
	b, _ := json.Marshal(doc)

	_, _, err := d.Decode(string(b))
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeInvalidSignature, verr.Code)
	require.Len(t, verr.FraudFlags, 1)
	assert.Equal(t, core.FraudForgedQR, verr.FraudFlags[0].Type)
	assert.Equal(t, core.SeverityHigh, verr.FraudFlags[0].Severity)
}

func TestSingleBitFlipRejects(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	sig := tk.sign()
	// flip one nibble of the hex signature
	flipped := "0" + sig[1:]
	if sig[0] == '0' {
		flipped = "1" + sig[1:]
	}
	doc := tk.jsonDoc(flipped)
	b, _ := json.Marshal(doc)

	_, _, err := d.Decode(string(b))
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeInvalidSignature, verr.Code)
}

func TestRS256WithoutKeyIsNotFraud(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	tk.Algorithm = "RS256"
	doc := tk.jsonDoc("c29tZXNpZw")
	b, _ := json.Marshal(doc)

	_, _, err := d.Decode(string(b))
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeInvalidSignature, verr.Code)
	assert.Empty(t, verr.FraudFlags)
}

// ============================================================================
// STRUCTURAL & TEMPORAL
// ============================================================================

func TestExpiredTicketRejected(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	tk.IssuedAt = "2026-01-27T09:00:00Z"
	tk.ExpiresAt = "2026-01-27T23:59:59Z"

	_, _, err := d.Decode(tk.asJSON())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeQRExpired, verr.Code)
}

func TestFutureIssuedTicketRejected(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	// Signed correctly but not yet valid: issuedAt is one hour ahead
	tk.IssuedAt = "2026-01-28T11:00:00Z"
	tk.ExpiresAt = "2026-01-28T12:00:00Z"

	_, _, err := d.Decode(tk.asJSON())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeQRExpired, verr.Code)
	assert.Contains(t, verr.Message, "not yet valid")
}

func TestMaxValidityWindowEnforced(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	// issued 25h ago, expiry far in the future: stale beyond maxValidity
	tk.IssuedAt = "2026-01-27T09:00:00Z"

	_, _, err := d.Decode(tk.asJSON())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeQRExpired, verr.Code)
}

func TestIssuedAtEqualExpiresAtRejected(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	tk.IssuedAt = "2026-01-28T10:00:00Z"
	tk.ExpiresAt = "2026-01-28T10:00:00Z"

	_, _, err := d.Decode(tk.asJSON())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeInvalidStructure, verr.Code)
}

func TestUnknownTicketTypeRejected(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	tk.TicketType = "backstage"

	_, _, err := d.Decode(tk.asJSON())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeInvalidStructure, verr.Code)
}

func TestUnsupportedVersionRejected(t *testing.T) {
	d := testDecoder(t)
	tk := defaultTicket()
	tk.Version = "9.9"

	_, _, err := d.Decode(tk.asJSON())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeUnsupportedVersion, verr.Code)
}

func TestUnsupportedJWTAlgorithmRejected(t *testing.T) {
	cfg := DefaultConfig(testSecret)
	cfg.SupportedAlgorithms = []string{"HS256"}
	d := NewDecoderAt(cfg, func() time.Time { return testNow })

	tk := defaultTicket()
	tk.Algorithm = "RS256"

	_, _, err := d.Decode(tk.asJWT())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeUnsupportedJWTAlg, verr.Code)
}

// ============================================================================
// SIZE BOUNDARY
// ============================================================================

func TestMaxSizeBoundary(t *testing.T) {
	tk := defaultTicket()
	payload := tk.asJSON()

	cfg := DefaultConfig(testSecret)
	cfg.MaxSize = len(payload) // exactly at the limit: accepted
	d := NewDecoderAt(cfg, func() time.Time { return testNow })
	_, _, err := d.Decode(payload)
	require.NoError(t, err)

	cfg.MaxSize = len(payload) - 1 // one byte over: rejected
	d = NewDecoderAt(cfg, func() time.Time { return testNow })
	_, _, err = d.Decode(payload)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, core.CodeQRTooLarge, verr.Code)
}

// ============================================================================
// LEGACY NORMALIZATION
// ============================================================================

func TestLegacyDocumentNormalized(t *testing.T) {
	d := testDecoder(t)

	doc := map[string]interface{}{
		"id":         "LEGACY-1",
		"eventId":    "E1",
		"ticketType": "standard",
		"createdAt":  "2026-01-28T09:00:00Z",
		"version":    "1.0",
	}
	// legacy tokens sign over the canonical JSON of the document
	jsonPayload, err := qrcrypto.CanonicalJSON(doc)
	require.NoError(t, err)
	doc["signature"] = qrcrypto.SignHMACHex(testSecret, jsonPayload)

	b, _ := json.Marshal(doc)
	claims, info, err := d.Decode(string(b))
	require.NoError(t, err)
	assert.Equal(t, "LEGACY-1", claims.TicketID)
	assert.Equal(t, "2026-01-28T09:00:00Z", claims.IssuedAtRaw)
	// expiresAt defaulted to issuedAt + maxValidity
	assert.Equal(t, claims.IssuedAt.Add(24*time.Hour), claims.ExpiresAt)
	assert.Equal(t, "HMAC-SHA256-JSON", info.CryptographicMethod)
}

func TestEpochTimestampsAccepted(t *testing.T) {
	d := testDecoder(t)

	issued := testNow.Add(-time.Hour).Unix()
	expires := testNow.Add(48 * time.Hour).Unix()
	tk := testTicket{
		TicketID:   "T2",
		EventID:    "E1",
		TicketType: "vip",
		IssuedAt:   strconv.FormatInt(issued, 10),
		ExpiresAt:  strconv.FormatInt(expires, 10),
		Version:    "1.0",
		Algorithm:  "HS256",
	}
	doc := map[string]interface{}{
		"ticketId":   tk.TicketID,
		"eventId":    tk.EventID,
		"ticketType": tk.TicketType,
		"issuedAt":   issued,
		"expiresAt":  expires,
		"version":    tk.Version,
		"algorithm":  tk.Algorithm,
		"signature":  tk.sign(),
	}
	b, _ := json.Marshal(doc)

	claims, _, err := d.Decode(string(b))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(issued, 0).UTC(), claims.IssuedAt)
}
