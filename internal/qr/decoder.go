// Package qr decodes and verifies ticket QR payloads. Four wire formats are
// accepted (JWT-style dot string, PNG data URL, base64url JSON, raw JSON);
// each decoder normalizes to the canonical Claims record, which is then
// validated structurally, cryptographically and temporally.
package qr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scanpoint/backend/internal/core"
	"github.com/scanpoint/backend/internal/qrcrypto"
)

const pngDataPrefix = "data:image/png;base64,"

// Decoder validates QR payloads. Decoding is deterministic and
// side-effect-free: the only inputs are the payload bytes, the configured
// keys and the clock.
type Decoder struct {
	cfg Config
	now func() time.Time
}

// NewDecoder creates a decoder with the given configuration.
func NewDecoder(cfg Config) *Decoder {
	return &Decoder{cfg: cfg, now: time.Now}
}

// NewDecoderAt creates a decoder with a fixed clock, for tests.
func NewDecoderAt(cfg Config, now func() time.Time) *Decoder {
	return &Decoder{cfg: cfg, now: now}
}

// ============================================================================
// FORMAT DETECTION
// ============================================================================

// DetectFormat runs the ordered, cheap format checks of the intake pipeline.
func (d *Decoder) DetectFormat(payload string) (Format, bool) {
	if parts := strings.Split(payload, "."); len(parts) == 3 &&
		parts[0] != "" && parts[1] != "" && parts[2] != "" {
		return FormatJWT, true
	}
	if strings.HasPrefix(payload, pngDataPrefix) {
		return FormatPNG, true
	}
	if raw, err := qrcrypto.DecodeBase64URL(payload); err == nil && json.Valid(raw) {
		return FormatBase64, true
	}
	if json.Valid([]byte(payload)) {
		return FormatJSON, true
	}
	return "", false
}

// ============================================================================
// DECODE PIPELINE
// ============================================================================

// Decode detects the payload format, decodes it to the canonical claims
// record and verifies structure, signature and temporal validity.
func (d *Decoder) Decode(payload string) (*Claims, *ValidationInfo, error) {
	return d.decode(payload, false)
}

func (d *Decoder) decode(payload string, fromPNG bool) (*Claims, *ValidationInfo, error) {
	if payload == "" {
		return nil, nil, core.NewValidationError(core.CodeMissingOrInvalidQR, "empty payload")
	}
	if d.cfg.MaxSize > 0 && len(payload) > d.cfg.MaxSize {
		return nil, nil, core.NewValidationError(core.CodeQRTooLarge,
			fmt.Sprintf("payload is %d bytes, max %d", len(payload), d.cfg.MaxSize))
	}

	format, ok := d.DetectFormat(payload)
	if !ok {
		return nil, nil, core.NewValidationError(core.CodeUnsupportedFormat, "no known QR format matched")
	}

	var (
		claims *Claims
		err    error
	)
	switch format {
	case FormatJWT:
		claims, err = d.decodeJWT(payload)
	case FormatPNG:
		if fromPNG {
			return nil, nil, core.NewValidationError(core.CodeInvalidPNGBase64, "nested PNG payload")
		}
		return d.decodePNG(payload)
	case FormatBase64:
		claims, err = d.decodeBase64(payload)
	case FormatJSON:
		claims, err = d.decodeJSON(payload)
	}
	if err != nil {
		return nil, nil, err
	}
	if fromPNG {
		// signatures embedded in PNG images may be over the JSON document
		claims.legacy = true
		format = FormatPNG
	}

	if verr := d.validateStructure(claims); verr != nil {
		return nil, nil, verr
	}
	method, verr := d.verifySignature(claims)
	if verr != nil {
		return nil, nil, verr
	}
	if verr := d.validateTemporal(claims); verr != nil {
		return nil, nil, verr
	}

	info := &ValidationInfo{
		FormatType:          format,
		Algorithm:           claims.Algorithm,
		Version:             claims.Version,
		ValidatedAt:         d.now(),
		CryptographicMethod: method,
	}
	return claims, info, nil
}

// ============================================================================
// PER-FORMAT DECODERS
// ============================================================================

func (d *Decoder) decodeJWT(payload string) (*Claims, error) {
	parts := strings.Split(payload, ".")

	headerRaw, err := qrcrypto.DecodeBase64URL(parts[0])
	if err != nil {
		return nil, core.NewValidationError(core.CodeInvalidJWT, "undecodable header segment")
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, core.NewValidationError(core.CodeInvalidJWT, "header is not a JSON object")
	}

	alg, _ := header["alg"].(string)
	if alg == "" {
		return nil, core.NewValidationError(core.CodeInvalidJWT, "header missing alg")
	}
	if !d.cfg.supportsAlgorithm(alg) {
		return nil, core.NewValidationError(core.CodeUnsupportedJWTAlg,
			fmt.Sprintf("algorithm %q not supported", alg))
	}

	bodyRaw, err := qrcrypto.DecodeBase64URL(parts[1])
	if err != nil {
		return nil, core.NewValidationError(core.CodeInvalidJWT, "undecodable payload segment")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(bodyRaw, &doc); err != nil {
		return nil, core.NewValidationError(core.CodeInvalidJWT, "payload is not a JSON object")
	}

	// header fields merge into the claims
	doc["algorithm"] = alg
	if v, ok := header["version"].(string); ok && v != "" {
		if _, exists := doc["version"]; !exists {
			doc["version"] = v
		}
	}
	doc["signature"] = parts[2]

	return d.claimsFromDoc(doc)
}

func (d *Decoder) decodeBase64(payload string) (*Claims, error) {
	raw, err := qrcrypto.DecodeBase64URL(payload)
	if err != nil {
		return nil, core.NewValidationError(core.CodeInvalidBase64, "payload is not valid base64")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.NewValidationError(core.CodeInvalidBase64, "decoded payload is not a JSON object")
	}
	return d.claimsFromDoc(doc)
}

func (d *Decoder) decodeJSON(payload string) (*Claims, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, core.NewValidationError(core.CodeInvalidJSON, "payload is not a JSON object")
	}
	return d.claimsFromDoc(doc)
}

// ============================================================================
// NORMALIZATION
// ============================================================================

// claimsFromDoc maps a decoded document to the canonical claims shape,
// normalizing legacy {id, createdAt} documents on the way.
func (d *Decoder) claimsFromDoc(doc map[string]interface{}) (*Claims, error) {
	c := &Claims{doc: doc}

	c.TicketID = stringField(doc, "ticketId")
	if c.TicketID == "" {
		if id := stringField(doc, "id"); id != "" {
			c.TicketID = id
			c.legacy = true
		}
	}
	c.EventID = stringField(doc, "eventId")
	c.TicketType = stringField(doc, "ticketType")
	c.UserID = stringField(doc, "userId")
	c.Version = stringField(doc, "version")
	c.Algorithm = stringField(doc, "algorithm")
	c.Signature = stringField(doc, "signature")
	if md, ok := doc["metadata"].(map[string]interface{}); ok {
		c.Metadata = md
	}
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}

	if v, ok := doc["issuedAt"]; ok {
		t, raw, err := parseInstant(v)
		if err != nil {
			return nil, core.NewValidationError(core.CodeInvalidStructure, "unparseable issuedAt")
		}
		c.IssuedAt, c.IssuedAtRaw = t, raw
	} else if v, ok := doc["createdAt"]; ok {
		t, raw, err := parseInstant(v)
		if err != nil {
			return nil, core.NewValidationError(core.CodeInvalidStructure, "unparseable createdAt")
		}
		c.IssuedAt, c.IssuedAtRaw = t, raw
		c.legacy = true
	}

	if v, ok := doc["expiresAt"]; ok {
		t, raw, err := parseInstant(v)
		if err != nil {
			return nil, core.NewValidationError(core.CodeInvalidStructure, "unparseable expiresAt")
		}
		c.ExpiresAt, c.ExpiresAtRaw = t, raw
	} else if c.legacy && !c.IssuedAt.IsZero() {
		// legacy documents without expiry get issuedAt + maxValidity
		c.ExpiresAt = c.IssuedAt.Add(d.cfg.MaxValidity)
		c.ExpiresAtRaw = c.ExpiresAt.UTC().Format(time.RFC3339)
	}

	return c, nil
}

func stringField(doc map[string]interface{}, key string) string {
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

// parseInstant accepts RFC3339 strings and unix epoch numbers (seconds or
// milliseconds), returning both the parsed instant and the raw wire token
// used for signature canonicalization.
func parseInstant(v interface{}) (time.Time, string, error) {
	switch val := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, val, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t, val, nil
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return epochToTime(n), val, nil
		}
		return time.Time{}, "", fmt.Errorf("unparseable instant %q", val)
	case float64:
		n := int64(val)
		return epochToTime(n), strconv.FormatInt(n, 10), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return time.Time{}, "", err
		}
		return epochToTime(n), val.String(), nil
	default:
		return time.Time{}, "", fmt.Errorf("instant has unsupported type %T", v)
	}
}

func epochToTime(n int64) time.Time {
	if n > 1e12 { // milliseconds
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// ============================================================================
// STRUCTURAL VALIDATION
// ============================================================================

func (d *Decoder) validateStructure(c *Claims) *core.ValidationError {
	switch {
	case c.TicketID == "":
		return core.NewValidationError(core.CodeInvalidStructure, "missing ticketId")
	case c.EventID == "":
		return core.NewValidationError(core.CodeInvalidStructure, "missing eventId")
	case c.TicketType == "":
		return core.NewValidationError(core.CodeInvalidStructure, "missing ticketType")
	case !core.TicketTypes[c.TicketType]:
		return core.NewValidationError(core.CodeInvalidStructure,
			fmt.Sprintf("unknown ticketType %q", c.TicketType))
	case c.IssuedAt.IsZero():
		return core.NewValidationError(core.CodeInvalidStructure, "missing issuedAt")
	case c.ExpiresAt.IsZero():
		return core.NewValidationError(core.CodeInvalidStructure, "missing expiresAt")
	case !c.IssuedAt.Before(c.ExpiresAt):
		return core.NewValidationError(core.CodeInvalidStructure, "expiresAt must be after issuedAt")
	case c.Version == "":
		return core.NewValidationError(core.CodeInvalidStructure, "missing version")
	case c.Signature == "":
		return core.NewValidationError(core.CodeInvalidStructure, "missing signature")
	}

	if !d.cfg.supportsVersion(c.Version) {
		return core.NewValidationError(core.CodeUnsupportedVersion,
			fmt.Sprintf("version %q not supported", c.Version))
	}
	if !d.cfg.supportsAlgorithm(c.Algorithm) {
		return core.NewValidationError(core.CodeUnsupportedJWTAlg,
			fmt.Sprintf("algorithm %q not supported", c.Algorithm))
	}
	return nil
}

// ============================================================================
// SIGNATURE VERIFICATION
// ============================================================================

// CanonicalPayload returns the pipe-joined signing string for a claims
// record, built from the raw wire timestamp tokens.
func CanonicalPayload(c *Claims) []byte {
	return []byte(qrcrypto.CanonicalString(
		c.TicketID, c.EventID, c.TicketType, c.UserID,
		c.IssuedAtRaw, c.ExpiresAtRaw, c.Version, c.Algorithm,
	))
}

func (d *Decoder) verifySignature(c *Claims) (string, *core.ValidationError) {
	payload := CanonicalPayload(c)

	switch c.Algorithm {
	case "HS256":
		if qrcrypto.VerifyHMAC(d.cfg.Secret, payload, c.Signature) {
			return "HMAC-SHA256", nil
		}
		// legacy and PNG-embedded tokens may be signed over the JSON document
		if c.legacy && c.doc != nil {
			if jsonPayload, err := qrcrypto.CanonicalJSON(c.doc); err == nil {
				if qrcrypto.VerifyHMAC(d.cfg.Secret, jsonPayload, c.Signature) {
					return "HMAC-SHA256-JSON", nil
				}
			}
		}
		return "", core.NewValidationError(core.CodeInvalidSignature, "HMAC signature mismatch").
			WithFlag(forgedFlag(map[string]interface{}{
				"ticketId":  c.TicketID,
				"algorithm": c.Algorithm,
			}))

	case "RS256":
		if d.cfg.PublicKey == nil {
			// misconfiguration, not fraud
			return "", core.NewValidationError(core.CodeInvalidSignature, "no RSA public key configured")
		}
		if err := qrcrypto.VerifyRSA(d.cfg.PublicKey, payload, c.Signature); err == nil {
			return "RSA-SHA256", nil
		}
		if c.legacy && c.doc != nil {
			if jsonPayload, err := qrcrypto.CanonicalJSON(c.doc); err == nil {
				if qrcrypto.VerifyRSA(d.cfg.PublicKey, jsonPayload, c.Signature) == nil {
					return "RSA-SHA256-JSON", nil
				}
			}
		}
		return "", core.NewValidationError(core.CodeInvalidSignature, "RSA signature mismatch").
			WithFlag(forgedFlag(map[string]interface{}{
				"ticketId":  c.TicketID,
				"algorithm": c.Algorithm,
			}))

	default:
		return "", core.NewValidationError(core.CodeUnsupportedJWTAlg,
			fmt.Sprintf("algorithm %q not supported", c.Algorithm))
	}
}

// ============================================================================
// TEMPORAL VALIDATION
// ============================================================================

func (d *Decoder) validateTemporal(c *Claims) *core.ValidationError {
	now := d.now()
	if now.After(c.ExpiresAt) {
		return core.NewValidationError(core.CodeQRExpired, "ticket QR has expired")
	}
	if c.IssuedAt.After(now) {
		return core.NewValidationError(core.CodeQRExpired, "ticket QR not yet valid")
	}
	if d.cfg.MaxValidity > 0 && now.Sub(c.IssuedAt) > d.cfg.MaxValidity {
		return core.NewValidationError(core.CodeQRExpired, "ticket QR exceeded maximum validity window")
	}
	return nil
}
