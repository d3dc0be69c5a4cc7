package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const signatureSize = 16

var (
	ErrInvalidClientID = errors.New("invalid client id cookie")
	ErrMissingSecret   = errors.New("cookie secret is not configured")
)

// ClientIDSigner mints and verifies the signed client id carried in the
// visitor cookie. The id is what owner-claimed links bind to.
type ClientIDSigner struct {
	secret []byte
}

// NewClientIDSigner returns a signer keyed with secret.
func NewClientIDSigner(secret []byte) (*ClientIDSigner, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &ClientIDSigner{secret: secret}, nil
}

// RandomSecret returns a fresh key for development deployments.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// Issue mints a new client id and its cookie value.
func (s *ClientIDSigner) Issue() (clientID, cookie string) {
	clientID = uuid.NewString()
	return clientID, s.Sign(clientID)
}

// Sign renders clientID as "{id}.{signature}".
func (s *ClientIDSigner) Sign(clientID string) string {
	sig := s.sign(clientID)
	return fmt.Sprintf("%s.%s", clientID, base64.RawURLEncoding.EncodeToString(sig))
}

// Verify returns the client id embedded in a cookie value.
func (s *ClientIDSigner) Verify(cookie string) (string, error) {
	idx := strings.LastIndexByte(cookie, '.')
	if idx <= 0 || idx == len(cookie)-1 {
		return "", ErrInvalidClientID
	}
	clientID, sigEnc := cookie[:idx], cookie[idx+1:]

	if _, err := uuid.Parse(clientID); err != nil {
		return "", ErrInvalidClientID
	}
	sigProvided, err := base64.RawURLEncoding.DecodeString(sigEnc)
	if err != nil || len(sigProvided) != signatureSize {
		return "", ErrInvalidClientID
	}
	if !hmac.Equal(sigProvided, s.sign(clientID)) {
		return "", ErrInvalidClientID
	}
	return clientID, nil
}

func (s *ClientIDSigner) sign(clientID string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("client-id|"))
	mac.Write([]byte(clientID))
	return mac.Sum(nil)[:signatureSize]
}
