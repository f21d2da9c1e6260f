package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/tipglass/tipglass/app/models"
	"gorm.io/gorm"
)

// ErrUserNotFound is the one permanent, non-retryable failure in the
// pipeline: no identity candidate and no metadata identifier resolved to
// an account. Retrying an unidentifiable payment can never succeed
// without manual intervention.
var ErrUserNotFound = errors.New("no account matched the payment identity")

// DirectoryCache caches email-to-user lookups in front of the account
// directory. Implementations must be safe for concurrent use; a nil
// cache disables caching.
type DirectoryCache interface {
	GetUserID(ctx context.Context, email string) (uint, bool)
	SetUserID(ctx context.Context, email string, userID uint)
}

// resolveUser maps the event's identity candidates to an internal
// account: each email candidate in order, case-insensitive against the
// directory, then the metadata-supplied direct account id.
func (s *Service) resolveUser(ctx context.Context, ev *CanonicalEvent) (*models.User, error) {
	for _, cand := range ev.IdentityCandidates {
		email := strings.ToLower(cand.Value)

		if s.cache != nil {
			if id, ok := s.cache.GetUserID(ctx, email); ok {
				user, err := s.repo.GetUserByID(id)
				if err == nil {
					return user, nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, err
				}
				// Stale cache entry, fall through to the directory.
			}
		}

		user, err := s.repo.FindUserByEmail(email)
		if err == nil {
			if s.cache != nil {
				s.cache.SetUserID(ctx, email, user.ID)
			}
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		log.Printf("payments: no account for %s=%q, trying next candidate", cand.Field, email)
	}

	// Metadata fallback: the checkout flow can stamp the internal
	// account id directly onto the payment.
	if raw := strings.TrimSpace(ev.Metadata["user_id"]); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad metadata user_id %q", ErrUserNotFound, raw)
		}
		user, err := s.repo.GetUserByID(uint(id))
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: metadata user_id %s does not exist", ErrUserNotFound, raw)
	}

	return nil, ErrUserNotFound
}
