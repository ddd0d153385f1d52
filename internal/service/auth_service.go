package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-agent/internal/model"
	"github.com/stemsi/exstem-agent/internal/repository"
)

// Common auth errors.
var (
	ErrAccessTokenClaims  = errors.New("access token is missing attempt claims")
	ErrBridgeInvalidated  = errors.New("bridge token was replaced by a newer one")
	ErrBridgeWrongAttempt = errors.New("bridge token belongs to another attempt")
)

// TokenTypeKiosk marks tokens issued to the local kiosk front-end.
const TokenTypeKiosk = "kiosk"

// AccessClaims are the attempt claims carried by the token the assessment API
// issued when the attempt started. The agent cannot verify the server's
// signature; the server does that on every call.
type AccessClaims struct {
	jwt.RegisteredClaims
	SubmissionID     string `json:"submission_id"`
	StartedAt        int64  `json:"started_at"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
}

// SessionState converts the claims into the initial attempt state.
func (c *AccessClaims) SessionState() model.SessionState {
	return model.SessionState{
		SubmissionID:     c.SubmissionID,
		StartedAt:        time.Unix(c.StartedAt, 0),
		TimeLimitSeconds: c.TimeLimitSeconds,
		Status:           model.SessionStatusInProgress,
	}
}

// BridgeClaims authenticate the kiosk against the local bridge.
type BridgeClaims struct {
	jwt.RegisteredClaims
	TokenType    string `json:"token_type"`
	SubmissionID string `json:"submission_id"`
}

// AuthService reads the attempt's access token and issues and checks kiosk
// bridge tokens.
type AuthService struct {
	secret   []byte
	expiry   time.Duration
	sessions *repository.BridgeSessionRepository
	now      func() time.Time
}

// NewAuthService creates a new AuthService. sessions may be nil, in which case
// any validly signed bridge token is accepted.
func NewAuthService(secret string, expiry time.Duration, sessions *repository.BridgeSessionRepository) *AuthService {
	return &AuthService{
		secret:   []byte(secret),
		expiry:   expiry,
		sessions: sessions,
		now:      time.Now,
	}
}

// ParseAccessToken extracts the attempt claims from the API token.
func (s *AuthService) ParseAccessToken(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if claims.SubmissionID == "" || claims.StartedAt == 0 || claims.TimeLimitSeconds < 0 {
		return nil, ErrAccessTokenClaims
	}
	return claims, nil
}

// IssueBridgeToken signs a kiosk token for submissionID and makes it the only
// accepted one.
func (s *AuthService) IssueBridgeToken(ctx context.Context, submissionID string) (string, error) {
	now := s.now()
	jti := uuid.NewString()
	claims := BridgeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   submissionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		TokenType:    TokenTypeKiosk,
		SubmissionID: submissionID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign bridge token: %w", err)
	}
	if s.sessions != nil {
		if err := s.sessions.SetActive(ctx, submissionID, jti); err != nil {
			return "", fmt.Errorf("store bridge session: %w", err)
		}
	}
	return signed, nil
}

// ValidateBridgeToken parses and validates a kiosk token.
func (s *AuthService) ValidateBridgeToken(tokenStr string) (*BridgeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &BridgeClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*BridgeClaims)
	if !ok || !token.Valid || claims.TokenType != TokenTypeKiosk {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ValidateBridgeSession checks that claims belong to submissionID and are the
// most recently issued token.
func (s *AuthService) ValidateBridgeSession(ctx context.Context, claims *BridgeClaims, submissionID string) error {
	if claims.SubmissionID != submissionID {
		return ErrBridgeWrongAttempt
	}
	if s.sessions == nil {
		return nil
	}
	active, err := s.sessions.Active(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("check bridge session: %w", err)
	}
	if active != claims.ID {
		return ErrBridgeInvalidated
	}
	return nil
}
