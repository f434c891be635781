package auth

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const EnvToken = "FLOWWATCH_TOKEN"

// Info describes a bearer token without verifying its signature. Opaque
// tokens report IsJWT false.
type Info struct {
	IsJWT     bool
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	Expired   bool
}

func Inspect(token string, now time.Time) Info {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return Info{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Info{}
	}
	info := Info{IsJWT: true, Subject: claims.Subject, Issuer: claims.Issuer}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
		info.Expired = !now.Before(claims.ExpiresAt.Time)
	}
	return info
}

// Source resolves the credential used for the websocket and HTTP calls: the
// stored token first, then FLOWWATCH_TOKEN. An empty result means "connect
// without credential".
type Source struct {
	Store  *Store
	Name   string
	Logger *slog.Logger
	Now    func() time.Time
	Getenv func(string) string
}

func (s Source) Token() string {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	getenv := os.Getenv
	if s.Getenv != nil {
		getenv = s.Getenv
	}

	if s.Store != nil {
		token, err := s.Store.Load(s.Name)
		switch {
		case err == nil:
			if usable(token, now(), logger, "store") {
				return token
			}
		case !errors.Is(err, ErrNoCredential):
			logger.Warn("read stored credential failed", "err", err)
		}
	}
	token := strings.TrimSpace(getenv(EnvToken))
	if token != "" && usable(token, now(), logger, "env") {
		return token
	}
	return ""
}

func usable(token string, now time.Time, logger *slog.Logger, origin string) bool {
	info := Inspect(token, now)
	if info.IsJWT && info.Expired {
		logger.Warn("ignoring expired credential", "origin", origin, "expired_at", info.ExpiresAt)
		return false
	}
	return true
}
