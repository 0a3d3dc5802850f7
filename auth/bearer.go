package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// TokenFromAuthorizationHeader extracts the bearer token from an
// Authorization header value.
// Returns ErrTokenEmpty if the header is empty and ErrInvalidAuthHeader
// if the scheme is not Bearer.
func TokenFromAuthorizationHeader(header string) (string, error) {
	if header == "" {
		return "", ErrTokenEmpty
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrInvalidAuthHeader
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrTokenEmpty
	}
	return token, nil
}

// TokenFromRequest extracts a bearer token from an HTTP request. It checks
// the Authorization header first, then the token query parameter, then the
// websocket subprotocol list ("bearer, <token>") — the two channels browser
// websocket clients have, since they cannot set headers on the upgrade.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return TokenFromAuthorizationHeader(h)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	if t := tokenFromSubprotocols(r.Header.Get("Sec-WebSocket-Protocol")); t != "" {
		return t, nil
	}
	return "", ErrTokenEmpty
}

// tokenFromSubprotocols scans an offered subprotocol list for the value
// following a "bearer" entry.
func tokenFromSubprotocols(header string) string {
	if header == "" {
		return ""
	}
	protos := strings.Split(header, ",")
	for i, p := range protos {
		if strings.EqualFold(strings.TrimSpace(p), "bearer") && i+1 < len(protos) {
			return strings.TrimSpace(protos[i+1])
		}
	}
	return ""
}
