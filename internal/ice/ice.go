// Package ice hands out ICE server configuration for WebRTC peers: static
// STUN servers plus time-limited TURN credentials derived from a shared
// secret, so the TURN server never needs a user database.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"

	"github.com/parleo/parleo/internal/clock"
)

// Server is one entry of an RTCIceServer list.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Bundle is the full ICE configuration handed to a client on call setup.
type Bundle struct {
	Servers []Server `json:"iceServers"`
	// TransportPolicy is "all" or "relay". Relay forces TURN, hiding peer
	// addresses from each other.
	TransportPolicy string `json:"iceTransportPolicy"`
	TTLSeconds      int    `json:"ttl"`
}

// Provider builds per-user bundles. Credentials follow the TURN REST API
// convention: username is "expiry:userId", credential is the base64 of
// HMAC-SHA1(secret, username).
type Provider struct {
	stunURLs []string
	turnURLs []string
	secret   []byte
	ttl      int // seconds
	relay    bool
	clk      clock.Clock
}

// NewProvider builds a Provider. With forceRelay the bundle instructs
// clients to route all media through TURN.
func NewProvider(stunURLs, turnURLs []string, turnSecret string, ttlSeconds int, forceRelay bool, clk clock.Clock) *Provider {
	return &Provider{
		stunURLs: stunURLs,
		turnURLs: turnURLs,
		secret:   []byte(turnSecret),
		ttl:      ttlSeconds,
		relay:    forceRelay,
		clk:      clk,
	}
}

// ForUser returns the ICE bundle for one user. TURN entries are omitted when
// no TURN URLs or secret are configured.
func (p *Provider) ForUser(userID string) Bundle {
	b := Bundle{TransportPolicy: "all", TTLSeconds: p.ttl}
	if p.relay {
		b.TransportPolicy = "relay"
	}

	if len(p.stunURLs) > 0 {
		b.Servers = append(b.Servers, Server{URLs: p.stunURLs})
	}
	if len(p.turnURLs) > 0 && len(p.secret) > 0 {
		username, credential := p.credentials(userID)
		b.Servers = append(b.Servers, Server{
			URLs:       p.turnURLs,
			Username:   username,
			Credential: credential,
		})
	}
	return b
}

// credentials derives the time-limited TURN username and password.
func (p *Provider) credentials(userID string) (username, credential string) {
	expiry := p.clk.Now().Unix() + int64(p.ttl)
	username = fmt.Sprintf("%d:%s", expiry, userID)

	mac := hmac.New(sha1.New, p.secret)
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}
