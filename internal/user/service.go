package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go-tgchat/internal/presence"
	"go-tgchat/internal/protocol"
)

type Service struct {
	repo     Repository
	presence presence.Tracker
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo Repository, tracker presence.Tracker, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		presence: tracker,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*User, error) {
	if err := protocol.ValidateStruct(&req); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	u, err := s.repo.Upsert(ctx, &User{
		ID:          req.ID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Avatar:      req.Avatar,
		LastSeen:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return s.withPresence(ctx, u), nil
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withPresence(ctx, u), nil
}

func (s *Service) Search(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ValidationError{Msg: "Search query is required"}
	}
	users, err := s.repo.Search(ctx, query, SearchLimit)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i] = *s.withPresence(ctx, &users[i])
	}
	return users, nil
}

// MarkOnline is called by the relay when a connection binds to userID.
func (s *Service) MarkOnline(ctx context.Context, userID string) error {
	return s.presence.SetOnline(ctx, userID)
}

// MarkOffline is called by the relay when a bound connection goes away. It
// reports whether that was the user's last connection; lastSeen moves only
// then.
func (s *Service) MarkOffline(ctx context.Context, userID string) (bool, error) {
	last, err := s.presence.SetOffline(ctx, userID)
	if err != nil {
		return false, err
	}
	if !last {
		return false, nil
	}
	if err := s.repo.TouchLastSeen(ctx, userID, s.now().UTC().Truncate(time.Microsecond)); err != nil {
		return true, fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return true, nil
}

// withPresence fills IsOnline. A tracker failure reads as offline.
func (s *Service) withPresence(ctx context.Context, u *User) *User {
	online, err := s.presence.IsOnline(ctx, u.ID)
	if err != nil {
		s.logger.Warn("presence lookup failed", "user_id", u.ID, "error", err)
	}
	u.IsOnline = online
	return u
}
