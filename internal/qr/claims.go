package qr

import (
	"crypto/rsa"
	"time"

	"github.com/scanpoint/backend/internal/core"
)

// Format is the detected wire format of a QR payload.
type Format string

const (
	FormatJWT    Format = "JWT"
	FormatPNG    Format = "PNG-Base64"
	FormatBase64 Format = "Base64"
	FormatJSON   Format = "JSON"
)

// Claims is the canonical ticket record extracted from a QR payload. The
// *Raw timestamp fields preserve the exact wire tokens the issuer signed
// over; never re-derive them from the parsed instants.
type Claims struct {
	TicketID   string                 `json:"ticketId"`
	EventID    string                 `json:"eventId"`
	TicketType string                 `json:"ticketType"`
	UserID     string                 `json:"userId,omitempty"`
	IssuedAt   time.Time              `json:"issuedAt"`
	ExpiresAt  time.Time              `json:"expiresAt"`
	Version    string                 `json:"version"`
	Algorithm  string                 `json:"algorithm"`
	Signature  string                 `json:"signature"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`

	IssuedAtRaw  string `json:"-"`
	ExpiresAtRaw string `json:"-"`

	// legacy marks documents normalized from the {id, createdAt} shape.
	legacy bool
	// doc is the decoded document, kept for the JSON-signature fallback.
	doc map[string]interface{}
}

// ValidationInfo describes how a payload was validated.
type ValidationInfo struct {
	FormatType          Format    `json:"formatType"`
	Algorithm           string    `json:"algorithm"`
	Version             string    `json:"version"`
	ValidatedAt         time.Time `json:"validatedAt"`
	CryptographicMethod string    `json:"cryptographicMethod"`
}

// Config holds decoder configuration. Secret is required for HS256;
// PublicKey may be nil, in which case RS256 tokens fail verification
// without being classified as fraud.
type Config struct {
	Secret              []byte
	PublicKey           *rsa.PublicKey
	MaxValidity         time.Duration
	MaxSize             int
	SupportedVersions   []string
	SupportedAlgorithms []string
}

// DefaultConfig returns the decoder defaults used outside tests.
func DefaultConfig(secret []byte) Config {
	return Config{
		Secret:              secret,
		MaxValidity:         24 * time.Hour,
		MaxSize:             32768,
		SupportedVersions:   []string{"1.0", "1.1", "2.0"},
		SupportedAlgorithms: []string{"HS256", "RS256"},
	}
}

func (c Config) supportsVersion(v string) bool {
	for _, s := range c.SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

func (c Config) supportsAlgorithm(a string) bool {
	for _, s := range c.SupportedAlgorithms {
		if s == a {
			return true
		}
	}
	return false
}

func forgedFlag(details map[string]interface{}) core.FraudFlag {
	return core.FraudFlag{
		Type:     core.FraudForgedQR,
		Severity: core.SeverityHigh,
		Details:  details,
	}
}
