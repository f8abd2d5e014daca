package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/api-gateway/internal/shared/database"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"golang.org/x/crypto/bcrypt"
)

// PublicIDPrefix marks gateway public identifiers
const PublicIDPrefix = "akp_"

// DefaultExpiryDays is the lifetime of a newly issued key
const DefaultExpiryDays = 30

// CredentialStore persists and looks up credentials
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *models.Credential) error
	GetCredentialByPublicID(ctx context.Context, publicID string) (*models.Credential, error)
}

// IssueOptions tunes a newly issued credential. Zero values select the
// defaults; a negative ExpiresInDays issues a key that never expires.
type IssueOptions struct {
	RequestsPerMinute int
	ExpiresInDays     int
}

// Service issues and validates API keys
type Service struct {
	store      CredentialStore
	cost       int
	now        func() time.Time
	defaultRPM int
	expiryDays int
}

type Option func(*Service)

// WithBcryptCost overrides the bcrypt work factor
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaults overrides the limit and lifetime used when IssueOptions leaves them unset
func WithDefaults(requestsPerMinute, expiryDays int) Option {
	return func(s *Service) {
		if requestsPerMinute > 0 {
			s.defaultRPM = requestsPerMinute
		}
		s.expiryDays = expiryDays
	}
}

// New creates an auth service backed by store
func New(store CredentialStore, opts ...Option) *Service {
	s := &Service{
		store:      store,
		cost:       bcrypt.DefaultCost,
		now:        time.Now,
		defaultRPM: models.DefaultRequestsPerMinute,
		expiryDays: DefaultExpiryDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a credential for userID and returns the composite key
// "<public_id>.<secret>". The secret cannot be recovered afterwards.
func (s *Service) Issue(ctx context.Context, userID string, opts IssueOptions) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", apierror.New(apierror.KindBadRequest, "user_id is required")
	}

	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = s.defaultRPM
	}
	days := opts.ExpiresInDays
	if days == 0 {
		days = s.expiryDays
	}

	publicID, err := randomToken(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate public id: %w", err)
	}
	publicID = PublicIDPrefix + publicID

	secret, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}

	now := s.now().UTC()
	cred := &models.Credential{
		ID:                uuid.NewString(),
		UserID:            userID,
		PublicID:          publicID,
		HashedSecret:      string(hash),
		IsActive:          true,
		CreatedAt:         now,
		RequestsPerMinute: rpm,
	}
	if days > 0 {
		expires := now.AddDate(0, 0, days)
		cred.ExpiresAt = &expires
	}

	if err := s.store.CreateCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("failed to store credential: %w", err)
	}

	return publicID + "." + secret, nil
}

// Authenticate validates an "Authorization: Bearer <public_id>.<secret>"
// header value and returns the matching credential.
func (s *Service) Authenticate(ctx context.Context, authorization string) (*models.Credential, error) {
	const prefix = "Bearer "
	if authorization == "" || !strings.HasPrefix(authorization, prefix) {
		return nil, apierror.New(apierror.KindUnauthenticated, "Missing or invalid authorization header")
	}

	token := authorization[len(prefix):]
	if strings.Count(token, ".") != 1 {
		return nil, apierror.New(apierror.KindUnauthenticated, "Invalid API key format")
	}
	publicID, secret, _ := strings.Cut(token, ".")
	if publicID == "" || secret == "" {
		return nil, apierror.New(apierror.KindUnauthenticated, "Invalid API key format")
	}

	cred, err := s.store.GetCredentialByPublicID(ctx, publicID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apierror.New(apierror.KindUnauthenticated, "Invalid API key")
	}
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "credential lookup failed", err)
	}

	if !cred.IsActive {
		return nil, apierror.New(apierror.KindUnauthenticated, "Invalid API key")
	}
	if cred.Expired(s.now()) {
		return nil, apierror.New(apierror.KindUnauthenticated, "API key has expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.HashedSecret), []byte(secret)); err != nil {
		return nil, apierror.New(apierror.KindUnauthenticated, "Invalid API key")
	}

	return cred, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
