package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.Authenticator = (*Authenticator)(nil)

// SubprotocolPrefix marks a bearer token carried in Sec-WebSocket-Protocol,
// for browser clients that cannot set headers on the handshake.
const SubprotocolPrefix = "bearer."

// UserEnsurer creates the user row on first sight.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, userID string) (*types.User, error)
}

// Authenticator validates credentials presented at connection time. A
// missing credential is an error, never an anonymous identity.
type Authenticator struct {
	verifier Verifier
	users    UserEnsurer
	log      zerolog.Logger
}

// NewAuthenticator creates an authenticator. users may be nil.
func NewAuthenticator(verifier Verifier, users UserEnsurer, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		verifier: verifier,
		users:    users,
		log:      log.With().Str("component", "auth").Logger(),
	}
}

// Authenticate returns the user id behind credential.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", apperr.Unauthenticated("authentication required")
	}

	userID, err := a.verifier.Verify(credential)
	if err != nil {
		a.log.Debug().Err(err).Msg("Credential rejected")
		return "", apperr.Unauthenticated("invalid or expired token")
	}
	if !types.IsValidUserID(userID) {
		return "", apperr.Unauthenticated("invalid or expired token")
	}

	if a.users != nil {
		if _, err := a.users.EnsureUser(ctx, userID); err != nil {
			a.log.Error().Err(err).Str("user_id", userID).Msg("Failed to ensure user")
			return "", apperr.Persistence("ensure user", err)
		}
	}
	return userID, nil
}

// RecordFailure counts a rejected attempt for transport ("http" or "ws").
func RecordFailure(transport string) {
	metrics.AuthFailuresTotal.WithLabelValues(transport).Inc()
}

// CredentialFromRequest extracts a bearer token from the Authorization
// header, the token query parameter or a bearer.<token> subprotocol, in
// that order.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if proto := SubprotocolToken(r); proto != "" {
		return strings.TrimPrefix(proto, SubprotocolPrefix)
	}
	return ""
}

// SubprotocolToken returns the full bearer.<token> subprotocol offered by
// the client, or "".
func SubprotocolToken(r *http.Request) string {
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if strings.HasPrefix(proto, SubprotocolPrefix) && len(proto) > len(SubprotocolPrefix) {
				return proto
			}
		}
	}
	return ""
}
