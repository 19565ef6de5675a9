package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"time"
)

// DefaultTokenLifetime is used when a caller asks for a non-positive lifetime.
const DefaultTokenLifetime = time.Hour

// KeySource returns the shared access key for a relay.
type KeySource interface {
	SharedAccessKey(rel *Relay) (string, error)
}

// SASMinter produces shared access signature tokens for relays.
type SASMinter struct {
	keys    KeySource
	nowFunc func() time.Time
}

// NewSASMinter returns a minter that fetches keys from keys at mint time.
func NewSASMinter(keys KeySource) *SASMinter {
	return &SASMinter{keys: keys, nowFunc: time.Now}
}

// Token returns a SAS token for rel valid for lifetime. The expiry is
// floor(now + lifetime) in Unix seconds.
func (m *SASMinter) Token(rel *Relay, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	key, err := m.keys.SharedAccessKey(rel)
	if err != nil {
		return "", err
	}
	expiry := m.nowFunc().Add(lifetime).Unix()
	return SignToken(key, ResourceURI(rel), rel.KeyName, expiry), nil
}

// ResourceURI is the URI a relay's tokens are scoped to.
func ResourceURI(rel *Relay) string {
	return "https://" + rel.Namespace + "/" + rel.HybridConnectionName
}

// SignToken builds
//
//	SharedAccessSignature sr={enc(uri)}&sig={enc(b64(hmac))}&se={expiry}&skn={keyName}
//
// where the HMAC-SHA256 input is enc(uri) + "\n" + expiry. The same encoding
// is used for the signed resource and the sr parameter.
func SignToken(key, resourceURI, keyName string, expiry int64) string {
	encodedURI := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry, 10)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(encodedURI + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return "SharedAccessSignature sr=" + encodedURI +
		"&sig=" + url.QueryEscape(sig) +
		"&se=" + se +
		"&skn=" + keyName
}

// ConnectionURL is the listener-side connect URL for rel. scheme is "wss" in
// production.
func ConnectionURL(scheme string, rel *Relay, token string) string {
	return scheme + "://" + rel.Namespace + "/$hc/" + rel.HybridConnectionName +
		"?sb-hc-action=connect&sb-hc-token=" + url.QueryEscape(token)
}
