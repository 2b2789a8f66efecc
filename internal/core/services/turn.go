package services

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"roomcast/internal/core/domain"

	"go.uber.org/zap"
)

// turn modes
const (
	TurnModeStatic = "static"
	TurnModeRest   = "rest"
)

// testCredentialTTL bounds credentials handed to anonymous self-test
// connections regardless of the configured production TTL.
const testCredentialTTL = time.Minute

// TurnIssuer produces time-limited relay credentials. Stateless: credentials
// are recomputed on every request and never stored.
type TurnIssuer struct {
	url    string
	user   string
	secret string
	mode   string
	ttl    time.Duration
	log    *zap.SugaredLogger

	now func() time.Time
}

func NewTurnIssuer(url, user, secret, mode string, ttl time.Duration, log *zap.SugaredLogger) *TurnIssuer {
	return &TurnIssuer{
		url:    url,
		user:   user,
		secret: secret,
		mode:   mode,
		ttl:    ttl,
		log:    log,
		now:    time.Now,
	}
}

// Credentials returns the relay credential list for a client. Test-mode
// requests get the short fixed TTL. Generation problems are logged and yield
// an empty list, never an error to the caller.
func (t *TurnIssuer) Credentials(test bool) []domain.TurnCredential {
	if t.url == "" {
		return nil
	}

	cred := domain.TurnCredential{URL: fmt.Sprintf("turn:%s", t.url)}
	switch t.mode {
	case TurnModeRest:
		ttl := t.ttl
		if test {
			ttl = testCredentialTTL
		}
		username := fmt.Sprintf("%d", t.now().Add(ttl).Unix())
		if t.user != "" {
			username += ":" + t.user
		}
		mac := hmac.New(sha1.New, []byte(t.secret))
		mac.Write([]byte(username))
		cred.Username = username
		cred.Credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	case TurnModeStatic:
		cred.Username = t.user
		cred.Credential = t.secret
	default:
		t.log.Errorw("unsupported turn credential mode", "mode", t.mode,
			"error", domain.ErrCredentialGeneration)
		return nil
	}
	return []domain.TurnCredential{cred}
}
