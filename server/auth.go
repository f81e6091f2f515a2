package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Authenticator verifies the HMAC-signed JWTs issued by the account service. The subject is the
// decimal user id.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret, now: time.Now}
}

// VerifyToken returns the user id carried by a valid, unexpired token
func (a *Authenticator) VerifyToken(tokenStr string) (uint64, error) {
	if tokenStr == "" {
		return 0, ErrAuthenticationFailure
	}

	decodedToken, err := jwt.ParseWithClaims(tokenStr, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Don't forget to validate the alg is what you expect:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return 0, errors.Wrap(ErrAuthenticationFailure, err.Error())
	}

	claims, ok := decodedToken.Claims.(*jwt.StandardClaims)
	if !ok || !decodedToken.Valid {
		return 0, ErrAuthenticationFailure
	}
	if claims.ExpiresAt == 0 || a.now().After(time.Unix(claims.ExpiresAt, 0)) {
		return 0, errors.Wrap(ErrAuthenticationFailure, "token expired")
	}

	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || userID == 0 {
		return 0, errors.Wrap(ErrAuthenticationFailure, "subject is not a user id")
	}
	return userID, nil
}

// Authenticate extracts the token from the websocket sub-protocol offered by the client.
// The token is returned so it can be echoed back during the upgrade.
func (a *Authenticator) Authenticate(r *http.Request) (uint64, string, error) {
	protocols := websocket.Subprotocols(r)
	if len(protocols) == 0 {
		return 0, "", ErrAuthenticationFailure
	}
	token := protocols[0]
	userID, err := a.VerifyToken(token)
	return userID, token, err
}

// IssueToken signs a token for the user. Tokens are normally issued by the account service,
// this is used by the console client's dev mode and the tests.
func IssueToken(secret []byte, userID uint64, ttl time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.StandardClaims{
		Issuer:    "pong-arena",
		Subject:   strconv.FormatUint(userID, 10),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	return t.SignedString(secret)
}
