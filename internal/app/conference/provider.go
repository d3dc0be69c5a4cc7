// Package conference describes the downstream video room a link resolves to.
package conference

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = time.Hour

// Provider renders room coordinates for a Jitsi-compatible deployment.
// With AppID set, rooms are namespaced as {appID}/{room} (JaaS style); with
// AppSecret set as well, each embed gets a signed HS256 room token.
type Provider struct {
	Domain    string
	AppID     string
	AppSecret string
	TokenTTL  time.Duration
	now       func() time.Time
}

// Room is everything the embed page needs to join a room.
type Room struct {
	Domain    string
	Name      string
	ScriptURL string
	URL       string
	JWT       string
}

// NewProvider validates the settings and returns a provider.
func NewProvider(domain, appID, appSecret string, tokenTTL time.Duration) (*Provider, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" || strings.ContainsAny(domain, "/?# ") {
		return nil, fmt.Errorf("conference: invalid domain %q", domain)
	}
	if appSecret != "" && appID == "" {
		return nil, errors.New("conference: app secret requires an app id")
	}
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Provider{
		Domain:    domain,
		AppID:     appID,
		AppSecret: appSecret,
		TokenTTL:  tokenTTL,
		now:       time.Now,
	}, nil
}

// ScriptURL is the external API script for the deployment.
func (p *Provider) ScriptURL() string {
	if p.AppID != "" {
		return fmt.Sprintf("https://%s/%s/external_api.js", p.Domain, url.PathEscape(p.AppID))
	}
	return fmt.Sprintf("https://%s/external_api.js", p.Domain)
}

// RoomName is the fully qualified room name for ref.
func (p *Provider) RoomName(ref string) string {
	if p.AppID != "" {
		return p.AppID + "/" + ref
	}
	return ref
}

// Room resolves ref into joinable coordinates. displayName is only used for the token.
func (p *Provider) Room(ref, displayName string) (*Room, error) {
	name := p.RoomName(ref)
	room := &Room{
		Domain:    p.Domain,
		Name:      name,
		ScriptURL: p.ScriptURL(),
		URL:       (&url.URL{Scheme: "https", Host: p.Domain, Path: "/" + name}).String(),
	}
	if p.AppSecret == "" {
		return room, nil
	}

	token, err := p.RoomToken(ref, displayName)
	if err != nil {
		return nil, err
	}
	room.JWT = token
	return room, nil
}

// RoomToken signs a token scoped to a single room using the Jitsi token-auth claim set.
func (p *Provider) RoomToken(ref, displayName string) (string, error) {
	if p.AppSecret == "" {
		return "", errors.New("conference: no app secret configured")
	}
	now := p.now()
	claims := jwt.MapClaims{
		"aud":  "jitsi",
		"iss":  p.AppID,
		"sub":  p.Domain,
		"room": ref,
		"iat":  now.Unix(),
		"nbf":  now.Add(-10 * time.Second).Unix(),
		"exp":  now.Add(p.TokenTTL).Unix(),
		"context": map[string]interface{}{
			"user": map[string]interface{}{
				"name":      displayName,
				"moderator": false,
			},
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.AppSecret))
	if err != nil {
		return "", fmt.Errorf("conference: sign room token: %w", err)
	}
	return signed, nil
}
