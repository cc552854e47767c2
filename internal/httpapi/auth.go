package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Staff is the operator identity carried by a verified bearer token.
type Staff struct {
	ID           string
	Name         string
	CounterID    string
	DepartmentID string
}

// StaffClaims is the token payload. Tokens are issued by the staff login service; this
// service only verifies them.
type StaffClaims struct {
	Name         string `json:"name,omitempty"`
	CounterID    string `json:"counter_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

func (a *Authenticator) Verify(tokenString string) (Staff, error) {
	if len(a.secret) == 0 {
		return Staff{}, errInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &StaffClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Staff{}, errInvalidToken
	}
	claims, ok := token.Claims.(*StaffClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Staff{}, errInvalidToken
	}
	return Staff{
		ID:           claims.Subject,
		Name:         claims.Name,
		CounterID:    claims.CounterID,
		DepartmentID: claims.DepartmentID,
	}, nil
}

type staffContextKey struct{}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", errMissingToken.Error())
			return
		}
		staff, err := a.Verify(token)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		noteStaff(r.Context(), staff.ID)
		ctx := context.WithValue(r.Context(), staffContextKey{}, staff)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func staffFromContext(ctx context.Context) (Staff, bool) {
	staff, ok := ctx.Value(staffContextKey{}).(Staff)
	return staff, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
