package api

import (
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Auth modes
const (
	AuthModeNone  = "NONE"
	AuthModeBasic = "BASIC"
	AuthModeJWT   = "JWT"
)

// AuthConfig configures API authentication
type AuthConfig struct {
	Mode string

	BasicUsername     string
	BasicPasswordHash string

	// JWTSecret enables HS256; JWTPublicKey enables RS256
	JWTSecret    []byte
	JWTPublicKey *rsa.PublicKey
	JWTIssuer    string
	JWTAudience  string
}

// LoadRSAPublicKey reads a PEM encoded RSA public key
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

var errUnauthorized = errors.New("unauthorized")

// Authenticator checks credentials on protected routes
type Authenticator struct {
	cfg    AuthConfig
	parser *jwt.Parser
}

// NewAuthenticator validates cfg and builds the middleware
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	cfg.Mode = strings.ToUpper(cfg.Mode)
	if cfg.Mode == "" {
		cfg.Mode = AuthModeNone
	}

	a := &Authenticator{cfg: cfg}
	switch cfg.Mode {
	case AuthModeNone:
	case AuthModeBasic:
		if cfg.BasicUsername == "" || cfg.BasicPasswordHash == "" {
			return nil, errors.New("basic auth requires a username and password hash")
		}
		if _, err := bcrypt.Cost([]byte(cfg.BasicPasswordHash)); err != nil {
			return nil, fmt.Errorf("basic auth password hash: %w", err)
		}
	case AuthModeJWT:
		var methods []string
		if len(cfg.JWTSecret) > 0 {
			methods = append(methods, jwt.SigningMethodHS256.Alg())
		}
		if cfg.JWTPublicKey != nil {
			methods = append(methods, jwt.SigningMethodRS256.Alg())
		}
		if len(methods) == 0 {
			return nil, errors.New("jwt auth requires a secret or a public key")
		}
		opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
		if cfg.JWTIssuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
		}
		if cfg.JWTAudience != "" {
			opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
		}
		a.parser = jwt.NewParser(opts...)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	return a, nil
}

// Mode returns the active auth mode
func (a *Authenticator) Mode() string {
	return a.cfg.Mode
}

// Middleware rejects requests without valid credentials
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if a.cfg.Mode == AuthModeNone {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		switch a.cfg.Mode {
		case AuthModeBasic:
			err = a.checkBasic(r)
		case AuthModeJWT:
			err = a.checkBearer(r)
		}
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Str("remoteAddr", r.RemoteAddr).Msg("Rejected API request")
			if a.cfg.Mode == AuthModeBasic {
				w.Header().Set("WWW-Authenticate", `Basic realm="flowcatalyst-router"`)
			} else {
				w.Header().Set("WWW-Authenticate", "Bearer")
			}
			WriteUnauthorized(w, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) checkBasic(r *http.Request) error {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return errUnauthorized
	}
	// bcrypt runs whether or not the username matched
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.cfg.BasicUsername)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(a.cfg.BasicPasswordHash), []byte(pass))
	if !userOK || passErr != nil {
		return errUnauthorized
	}
	return nil
}

func (a *Authenticator) checkBearer(r *http.Request) error {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return errUnauthorized
	}

	_, err := a.parser.Parse(raw, func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.cfg.JWTSecret, nil
		case *jwt.SigningMethodRSA:
			return a.cfg.JWTPublicKey, nil
		}
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return nil
}
