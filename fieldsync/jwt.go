package fieldsync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/amanahsoft/fieldsync/internal/auth"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims are the claims the sync engine consumes. The identity id rides in
// the standard sub claim; did binds the token to one registered device and is
// empty for web (browser) tokens, which cannot push or pull.
type JWTClaims struct {
	DeviceID string `json:"did,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token for an identity. Pass an empty deviceID for a
// web token.
func (j *JWTAuth) GenerateToken(identityID, deviceID, role string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "fieldsync",
			Subject:   identityID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (identity id) in token")
		}
		if claims.Role == "" {
			return nil, fmt.Errorf("missing role in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Identify extracts the authenticated caller from an HTTP request.
func (j *JWTAuth) Identify(r *http.Request) (Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Identity{}, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return Identity{}, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	return Identity{
		ID:       claims.Subject,
		Role:     claims.Role,
		DeviceID: claims.DeviceID,
	}, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext rebuilds the Identity placed by Middleware.
func IdentityFromContext(r *http.Request) (Identity, bool) {
	ctx := r.Context()
	id, ok := auth.GetIdentityID(ctx)
	if !ok || id == "" {
		return Identity{}, false
	}
	role, _ := auth.GetRole(ctx)
	deviceID, _ := auth.GetDeviceID(ctx)
	return Identity{ID: id, Role: role, DeviceID: deviceID}, true
}
