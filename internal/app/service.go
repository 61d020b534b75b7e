package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"safetyvoice/api/internal/auth"
	"safetyvoice/api/internal/authpw"
	"safetyvoice/api/internal/config"
	"safetyvoice/api/internal/drafting"
	"safetyvoice/api/internal/email"
	"safetyvoice/api/internal/export"
	"safetyvoice/api/internal/lifecycle"
	"safetyvoice/api/internal/ratelimit"
	"safetyvoice/api/internal/rbac"
	"safetyvoice/api/internal/search"
	"safetyvoice/api/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, moderatorID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Moderator, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type dataStore interface {
	sessionStore
	authpw.ModeratorStore

	Ping(ctx context.Context) error
	CreateSubmission(ctx context.Context, item store.Submission) error
	InsertSeedSubmission(ctx context.Context, item store.Submission) error
	AttachDraft(ctx context.Context, submissionID string, draft store.Draft) (bool, error)
	GetSubmission(ctx context.Context, submissionID string) (store.Submission, error)
	ListSubmissions(ctx context.Context, statuses []lifecycle.Status) ([]store.Submission, error)
	DecideSubmission(ctx context.Context, decision store.Decision) (bool, error)
	UpdateDraft(ctx context.Context, submissionID string, expected lifecycle.Status, draft store.Draft, adminNotes *string) (bool, error)
	ListPublished(ctx context.Context, limit, offset int) ([]store.Submission, error)
	GetPublished(ctx context.Context, submissionID string) (store.Submission, error)
	PublishedCounts(ctx context.Context) ([]store.PublishedCount, error)
	InsertEvent(ctx context.Context, event store.SubmissionEvent) error
	ListEvents(ctx context.Context, submissionID string) ([]store.SubmissionEvent, error)
}

type drafter interface {
	Generate(ctx context.Context, req drafting.Request) store.Draft
}

type mailer interface {
	IsConfigured() bool
	NotifyDraftPending(to []string, data email.DraftPendingData) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Options swaps the optional backends. Zero values fall back to the data
// store for sessions, a disabled generator, an in-memory limiter and a scan
// over published records for search.
type Options struct {
	Sessions  sessionStore
	Generator drafter
	Limiter   ratelimit.Limiter
	Clients   *ratelimit.ClientResolver
	Search    *search.Service
	Mailer    mailer
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	signer    *auth.Signer
	passwords *authpw.Service
	generator drafter
	limiter   ratelimit.Limiter
	clients   *ratelimit.ClientResolver
	search    *search.Service
	mailer    mailer
	exporter  exporter

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
	notify sync.WaitGroup
}

func New(cfg config.Config, dataStore dataStore, opts Options) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  opts.Sessions,
		signer:    auth.NewSigner(cfg.TokenSecret, cfg.AccessTTL),
		passwords: authpw.NewService(dataStore),
		generator: opts.Generator,
		limiter:   opts.Limiter,
		clients:   opts.Clients,
		search:    opts.Search,
		mailer:    opts.Mailer,
		exporter:  export.NewService(dataStore),
		locks:     make(map[string]*sync.Mutex),
	}
	if s.sessions == nil {
		s.sessions = dataStore
	}
	if s.generator == nil {
		s.generator = drafting.NewGenerator(drafting.Disabled{}, cfg.GenerationTimeout)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.NewMemory(cfg.SubmissionRateLimit, cfg.SubmissionRateWindow)
	}
	if s.clients == nil {
		clients, err := ratelimit.NewClientResolver(cfg.TrustedProxies)
		if err != nil {
			log.Printf("app: ignoring TRUSTED_PROXIES: %v", err)
			clients, _ = ratelimit.NewClientResolver(nil)
		}
		s.clients = clients
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewScan(dataStore))
	}
	return s
}

// Bootstrap prepares a fresh deployment: optional demo story, the first
// moderator account, recovery of interrupted submissions and the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.cfg.SeedDemo {
		if err := s.seedDemo(ctx); err != nil {
			return err
		}
	}

	if s.cfg.ModeratorEmail != "" && s.cfg.ModeratorPassword != "" {
		created, err := s.passwords.EnsureBootstrapModerator(ctx, s.cfg.ModeratorEmail, s.cfg.ModeratorPassword)
		if err != nil {
			return fmt.Errorf("bootstrap moderator: %w", err)
		}
		if created {
			log.Printf("app: created bootstrap moderator %s", strings.ToLower(strings.TrimSpace(s.cfg.ModeratorEmail)))
		}
	}

	if _, err := s.ResumePrivate(ctx); err != nil {
		return err
	}

	s.search.ReindexAll(ctx, s.store)
	return nil
}

func (s *Service) seedDemo(ctx context.Context) error {
	existing, err := s.store.ListPublished(ctx, 1, 0)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := time.Now().UTC()
	publishedAt := now.Add(-24 * time.Hour)
	return s.store.InsertSeedSubmission(ctx, store.Submission{
		ID:        "seed-1",
		CreatedAt: now.Add(-48 * time.Hour),
		Status:    lifecycle.StatusPublished,
		Metadata: store.Metadata{
			Role:            "PhD Student",
			InstitutionType: "Research-intensive university",
			Region:          "North West",
			Discipline:      "Physics",
		},
		WhatHappened:   "A safety intervention modified cooling lines without warning.",
		Impact:         "Water damage to optical equipment.",
		Improvement:    "Consult researchers before utility work.",
		ConsentPublish: true,
		Draft: store.Draft{
			PublishTitle:   "Safety action causes lab flood",
			PublishSummary: "An intervention to cooling systems resulted in accidental damage to experimental equipment.",
			PublishStory: "### What happened\nA safety intervention involved modifications to cooling lines without prior notification to the researchers.\n\n" +
				"### Impact\nThis resulted in water damage to sensitive optical equipment and two weeks of downtime.\n\n" +
				"### What would help\nA mandatory consultation phase before utility lines are modified by facilities staff.",
			AnonymisationNotes: []string{"Removed equipment brand", "Generalised staff role"},
			RiskFlags:          []string{},
			Confidence:         drafting.ConfidenceHigh,
		},
		PublishedAt: &publishedAt,
	})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until pending moderator notifications have been sent.
func (s *Service) Wait() {
	s.notify.Wait()
}

func (s *Service) submissionLock(submissionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[submissionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[submissionID] = lock
	return lock
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	moderator, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrInvalidCredentials):
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
		case errors.Is(err, authpw.ErrMissingFields):
			return Session{}, validationError(err.Error(), nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, moderator)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	moderator, err := s.store.GetModeratorByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, moderator)
}

func (s *Service) issueSession(ctx context.Context, moderator store.Moderator) (Session, error) {
	token, claims, err := s.signer.Issue(moderator.ID, moderator.DisplayName, moderator.Role)
	if err != nil {
		return Session{}, err
	}

	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), moderator.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       moderator.ID,
		UserName:     moderator.DisplayName,
		Email:        moderator.Email,
		Role:         moderator.Role,
		JTI:          claims.JTI,
		ExpiresAt:    claims.ExpiresAt(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	moderator, err := s.store.GetModeratorByID(ctx, claims.Sub)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    moderator.ID,
		UserName:  moderator.DisplayName,
		Email:     moderator.Email,
		Role:      moderator.Role,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("app: revoke access token: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("app: revoke refresh session: %v", err)
		}
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, currentPassword, newPassword string) error {
	err := s.passwords.ChangePassword(ctx, session.UserID, currentPassword, newPassword)
	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Current password is incorrect", nil)
	case errors.Is(err, authpw.ErrWeakPassword):
		return validationError(err.Error(), map[string]string{"newPassword": err.Error()})
	}
	return err
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return errForbidden
	}
	return nil
}
