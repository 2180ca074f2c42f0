package vault

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ShareTokenIssuer mints and verifies the signed tokens embedded in share
// URLs. A token grants read access to exactly one file until it expires;
// the transport layer verifies tokens on its public download route.
type ShareTokenIssuer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
}

// shareClaims is the JWT payload of a share token.
type shareClaims struct {
	FileID string `json:"file_id"`
	jwt.RegisteredClaims
}

// NewShareTokenIssuer creates an issuer. baseURL is the public prefix share
// URLs are built on (e.g. "https://vault.example.com/shared"); ttl of 0
// means tokens never expire.
func NewShareTokenIssuer(secret []byte, baseURL string, ttl time.Duration) (*ShareTokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("share token secret is empty")
	}
	return &ShareTokenIssuer{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
	}, nil
}

// Issue signs a token for fileID.
func (t *ShareTokenIssuer) Issue(fileID uuid.UUID) (string, error) {
	now := time.Now()
	claims := shareClaims{
		FileID: fileID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "filevault",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign share token: %w", err)
	}
	return signed, nil
}

// Verify parses a share token and returns the file id it grants access to.
// Expired, malformed or foreign-signed tokens fail with ErrForbidden.
func (t *ShareTokenIssuer) Verify(tokenStr string) (uuid.UUID, error) {
	var claims shareClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("share token: %w", ErrForbidden)
	}

	fileID, err := uuid.Parse(claims.FileID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("share token file id: %w", ErrForbidden)
	}
	return fileID, nil
}

// ShareURL builds the full share URL for a file.
func (t *ShareTokenIssuer) ShareURL(fileID uuid.UUID) (string, error) {
	token, err := t.Issue(fileID)
	if err != nil {
		return "", err
	}
	return t.baseURL + "/" + token, nil
}
