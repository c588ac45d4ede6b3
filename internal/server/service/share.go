package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"squeeze/internal/protocol"
	"squeeze/internal/server/database"
	"squeeze/internal/server/storage"

	"golang.org/x/crypto/bcrypt"
)

const (
	shareIDLength       = 12
	sharePasswordLength = 8
)

// ShareService controls access to artifacts through share links.
type ShareService struct {
	repo         database.Store
	store        storage.Store
	baseURL      string
	defaultHours int
	log          *slog.Logger
	now          func() time.Time
}

func NewShareService(repo database.Store, store storage.Store, baseURL string, defaultHours int, logger *slog.Logger) *ShareService {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultHours <= 0 {
		defaultHours = 24
	}
	return &ShareService{
		repo:         repo,
		store:        store,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultHours: defaultHours,
		log:          logger,
		now:          time.Now,
	}
}

func (s *ShareService) info(sh *database.Share) *protocol.ShareInfo {
	return &protocol.ShareInfo{
		ID:                sh.ID,
		ArtifactID:        sh.ArtifactID,
		URL:               fmt.Sprintf("%s/s/%s", s.baseURL, sh.ID),
		PasswordProtected: sh.PasswordHash != nil,
		CreatedAt:         sh.CreatedAt,
		ExpiresAt:         sh.ExpiresAt,
		MaxDownloads:      sh.MaxDownloads,
		CurrentDownloads:  sh.CurrentDownloads,
	}
}

// Create issues a share link for an artifact. The plaintext password is
// part of the returned info and is never available again.
func (s *ShareService) Create(ctx context.Context, artifactID string, req protocol.CreateShareRequest) (*protocol.ShareInfo, error) {
	hours := s.defaultHours
	if req.ExpirationHours != nil {
		hours = *req.ExpirationHours
	}
	if hours <= 0 {
		return nil, fmt.Errorf("%w: expirationHours must be positive", ErrInvalidShare)
	}
	maxDownloads := protocol.UnlimitedDownloads
	if req.MaxDownloads != nil {
		maxDownloads = *req.MaxDownloads
	}
	if maxDownloads == 0 || maxDownloads < protocol.UnlimitedDownloads {
		return nil, fmt.Errorf("%w: maxDownloads must be at least 1, or -1 for unlimited", ErrInvalidShare)
	}
	if req.Password != "" && !req.PasswordProtected {
		return nil, fmt.Errorf("%w: password given for an unprotected share", ErrInvalidShare)
	}

	if _, err := s.repo.GetArtifact(ctx, artifactID); err != nil {
		if errors.Is(err, database.ErrArtifactNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}

	id, err := generateSecureToken(shareIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate share id: %w", err)
	}

	password := req.Password
	var passwordHash *string
	if req.PasswordProtected {
		if password == "" {
			if password, err = generateSecureToken(sharePasswordLength); err != nil {
				return nil, fmt.Errorf("failed to generate share password: %w", err)
			}
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		h := string(hash)
		passwordHash = &h
	}

	now := s.now().UTC()
	sh := &database.Share{
		ID:           id,
		ArtifactID:   artifactID,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(hours) * time.Hour),
		MaxDownloads: maxDownloads,
	}
	if err := s.repo.CreateShare(ctx, sh); err != nil {
		if errors.Is(err, database.ErrArtifactNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to create share: %w", err)
	}

	s.log.Info("share created",
		"share_id", id,
		"artifact_id", artifactID,
		"expires_at", sh.ExpiresAt,
		"max_downloads", maxDownloads,
		"password_protected", passwordHash != nil,
	)

	out := s.info(sh)
	if req.PasswordProtected {
		out.Password = password
	}
	return out, nil
}

// SharedFile is an artifact released through a share link.
type SharedFile struct {
	Body     io.ReadCloser
	Size     int64
	Filename string
	Share    *protocol.ShareInfo
}

// Consume checks a share link and counts one download before releasing the
// artifact. Failures are reported in the order not found, expired, quota
// exceeded, forbidden.
func (s *ShareService) Consume(ctx context.Context, id, password string) (*SharedFile, error) {
	sh, err := s.repo.GetShare(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	now := s.now()
	if err := classify(sh, now); err != nil {
		return nil, err
	}
	if sh.PasswordHash != nil {
		if bcrypt.CompareHashAndPassword([]byte(*sh.PasswordHash), []byte(password)) != nil {
			return nil, ErrShareForbidden
		}
	}

	a, err := s.repo.GetArtifact(ctx, sh.ArtifactID)
	if err != nil {
		if errors.Is(err, database.ErrArtifactNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}

	// The conditional increment is the authority: the checks above may have
	// raced with another download.
	consumed, err := s.repo.ConsumeShare(ctx, id, now)
	if err != nil {
		if !errors.Is(err, database.ErrShareUnavailable) {
			return nil, fmt.Errorf("failed to consume share: %w", err)
		}
		return nil, s.reclassify(ctx, id, now)
	}

	rc, size, err := s.store.Open(ctx, a.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}

	s.log.Info("share consumed",
		"share_id", id,
		"artifact", a.Filename,
		"downloads", consumed.CurrentDownloads,
	)
	return &SharedFile{Body: rc, Size: size, Filename: a.Filename, Share: s.info(consumed)}, nil
}

// classify reports why a share cannot be consumed at now. A share is still
// valid at the instant it expires.
func classify(sh *database.Share, now time.Time) error {
	if now.After(sh.ExpiresAt) {
		return ErrShareExpired
	}
	if sh.Exhausted() {
		return ErrShareQuotaExceeded
	}
	return nil
}

// reclassify explains a lost conditional increment.
func (s *ShareService) reclassify(ctx context.Context, id string, now time.Time) error {
	sh, err := s.repo.GetShare(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return ErrShareNotFound
		}
		return err
	}
	if err := classify(sh, now); err != nil {
		return err
	}
	return ErrShareQuotaExceeded
}

func (s *ShareService) Get(ctx context.Context, id string) (*protocol.ShareInfo, error) {
	sh, err := s.repo.GetShare(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	return s.info(sh), nil
}

func (s *ShareService) List(ctx context.Context) ([]*protocol.ShareInfo, error) {
	shares, err := s.repo.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.ShareInfo, 0, len(shares))
	for _, sh := range shares {
		out = append(out, s.info(sh))
	}
	return out, nil
}

// Revoke deletes a share; later consumes fail with ErrShareNotFound.
func (s *ShareService) Revoke(ctx context.Context, id string) error {
	if err := s.repo.DeleteShare(ctx, id); err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return ErrShareNotFound
		}
		return err
	}
	s.log.Info("share revoked", "share_id", id)
	return nil
}

// Stats returns aggregate server statistics.
func (s *ShareService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.repo.GetStats(ctx, s.now())
}
