package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/auth"
	"gorm.io/gorm"
)

const maxHeadlineLength = 320

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates that no identity is known for the user id.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrInvalidHeadline indicates a headline longer than the column allows.
	ErrInvalidHeadline = errors.New("users: invalid headline")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers, provider-specific identities and
// the profile fields derived from them.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before
// and refreshes the stored display fields otherwise.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			s.touchIdentity(ctx, provider, subject, claims)
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		s.touchIdentity(ctx, provider, subject, claims)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// GetProfile returns the profile of the most recently seen identity of the user.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrProfileNotFound
	}
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return identity.profile(), nil
}

// UpdateHeadline sets the headline on every identity of the user.
func (s *Service) UpdateHeadline(ctx context.Context, userID, headline string) (Profile, error) {
	headline = normalize(headline)
	if utf8.RuneCountInString(headline) > maxHeadlineLength {
		return Profile{}, ErrInvalidHeadline
	}
	result := s.db.WithContext(ctx).Model(&Identity{}).
		Where("user_id = ?", normalize(userID)).
		Update("user_headline", headline)
	if result.Error != nil {
		return Profile{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Profile{}, ErrProfileNotFound
	}
	return s.GetProfile(ctx, userID)
}

// touchIdentity refreshes last_seen_at and any display fields the claims carry.
func (s *Service) touchIdentity(ctx context.Context, provider, subject string, claims auth.SessionClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" {
		updates["user_avatar_url"] = avatar
	}
	_ = s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
