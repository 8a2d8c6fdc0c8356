// Package auth resolves bearer tokens into caller identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pavel-fokin/file-vault/internal/files"
)

// Claims carried by vault tokens.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Config selects the key sources a Guard trusts.
type Config struct {
	// Secret verifies HS256 tokens.
	Secret string
	// JWKSURL verifies RS256/ES256 tokens against a remote key set.
	JWKSURL         string
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// Guard verifies tokens and maps them to identities.
type Guard struct {
	secret  []byte
	jwks    keyfunc.Keyfunc
	methods []string
	leeway  time.Duration
	logger  *slog.Logger
}

// NewGuard builds a Guard from cfg. At least one key source is required.
func NewGuard(ctx context.Context, cfg Config, logger *slog.Logger) (*Guard, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, errors.New("either a JWT secret or a JWKS URL is required")
	}

	var jwks keyfunc.Keyfunc
	if cfg.JWKSURL != "" {
		storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
			Ctx:                       ctx,
			NoErrorReturnFirstHTTPReq: true,
			RefreshInterval:           cfg.RefreshInterval,
			RefreshErrorHandler: func(_ context.Context, err error) {
				logger.Error("Failed to refresh JWKS",
					slog.String("error", err.Error()),
					slog.String("url", cfg.JWKSURL),
				)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS storage: %w", err)
		}

		jwks, err = keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
		if err != nil {
			return nil, fmt.Errorf("failed to create keyfunc: %w", err)
		}
	}

	return newGuard([]byte(cfg.Secret), jwks, cfg.Leeway, logger), nil
}

// NewGuardWithKeyfunc builds a Guard around an existing key set.
func NewGuardWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *Guard {
	return newGuard(nil, kf, leeway, logger)
}

func newGuard(secret []byte, jwks keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *Guard {
	var methods []string
	if len(secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if jwks != nil {
		methods = append(methods, "RS256", "ES256")
	}
	return &Guard{
		secret:  secret,
		jwks:    jwks,
		methods: methods,
		leeway:  leeway,
		logger:  logger.With(slog.String("component", "jwt_auth")),
	}
}

func (g *Guard) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if len(g.secret) == 0 {
				return nil, errors.New("shared secret not configured")
			}
			return g.secret, nil
		}
		if g.jwks == nil {
			return nil, errors.New("key set not configured")
		}
		return g.jwks.KeyfuncCtx(ctx)(token)
	}
}

// Authenticate verifies a raw token and returns the caller it names.
func (g *Guard) Authenticate(ctx context.Context, tokenString string) (files.Identity, error) {
	if tokenString == "" {
		return files.Identity{}, files.Unauthenticated("missing bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, g.keyfunc(ctx),
		jwt.WithValidMethods(g.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(g.leeway),
	)
	if err != nil || !token.Valid {
		g.logger.Debug("Token rejected", slog.Any("error", err))
		return files.Identity{}, files.Unauthenticated("invalid or expired token")
	}

	if claims.Subject == "" {
		return files.Identity{}, files.Unauthenticated("token has no subject")
	}

	return files.Identity{ID: claims.Subject, Name: claims.Name}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", files.Unauthenticated("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", files.Unauthenticated("expected Authorization: Bearer <token>")
	}
	return strings.TrimSpace(token), nil
}

// IssueToken signs an HS256 token for sub, valid for ttl.
func IssueToken(secret, sub, name string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret is required")
	}
	if sub == "" {
		return "", errors.New("subject is required")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
