package links

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/models"
	"github.com/slugy/edge/internal/slug"
)

var (
	ErrInvalidSlug = errors.New("links: invalid slug")
	ErrSlugTaken   = errors.New("links: slug already taken")
	ErrInvalidURL  = errors.New("links: url must be an absolute http(s) url")
)

// Invalidator drops cached copies of links in every tier and tells peers.
type Invalidator interface {
	Invalidate(ctx context.Context, slug, domain string) error
	InvalidateBatch(ctx context.Context, slugs []string, domain string) error
}

// Service writes links to the source of truth and invalidates the cache
// before returning, so the next resolve on any node sees the change.
type Service struct {
	DB    *sql.DB
	Cache Invalidator
	Log   logrus.FieldLogger
}

// Create stores l. An empty slug gets a generated one.
func (s *Service) Create(ctx context.Context, l *models.Link) error {
	if err := validateURL(l.URL); err != nil {
		return err
	}
	l.Domain = strings.ToLower(l.Domain)
	if l.Slug == "" {
		generated, err := slug.Unique(ctx, func(ctx context.Context, candidate string) (bool, error) {
			return models.SlugExists(ctx, s.DB, candidate, l.Domain)
		})
		if err != nil {
			return fmt.Errorf("generate slug: %w", err)
		}
		l.Slug = generated
	} else {
		if !slug.Valid(l.Slug) {
			return ErrInvalidSlug
		}
		exists, err := models.SlugExists(ctx, s.DB, l.Slug, l.Domain)
		if err != nil {
			return fmt.Errorf("check slug: %w", err)
		}
		if exists {
			return ErrSlugTaken
		}
	}

	if err := models.CreateLink(ctx, s.DB, l); err != nil {
		return err
	}
	// A negative lookup may have been cached by a peer before the insert.
	return s.invalidate(ctx, l.Slug, l.Domain)
}

// CreateTemporary stores an anonymous link on domain that expires after ttl.
func (s *Service) CreateTemporary(ctx context.Context, domain, url string, ttl time.Duration) (*models.Link, error) {
	expires := time.Now().UTC().Add(ttl)
	l := &models.Link{WorkspaceID: models.TempWorkspace, Domain: domain, URL: url, ExpiresAt: &expires}
	if err := s.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Update rewrites l by id. When the slug or domain changed, both the old
// and the new address are invalidated.
func (s *Service) Update(ctx context.Context, l *models.Link) error {
	if err := validateURL(l.URL); err != nil {
		return err
	}
	if !slug.Valid(l.Slug) {
		return ErrInvalidSlug
	}
	old := &models.Link{ID: l.ID}
	if err := models.GetLinkByID(ctx, s.DB, old); err != nil {
		return err
	}
	if err := models.UpdateLink(ctx, s.DB, l); err != nil {
		return err
	}
	if old.Slug != l.Slug || old.Domain != l.Domain {
		if err := s.invalidate(ctx, old.Slug, old.Domain); err != nil {
			return err
		}
	}
	return s.invalidate(ctx, l.Slug, l.Domain)
}

func (s *Service) Archive(ctx context.Context, id int64) error {
	l := &models.Link{ID: id}
	if err := models.GetLinkByID(ctx, s.DB, l); err != nil {
		return err
	}
	if err := models.ArchiveLink(ctx, s.DB, id); err != nil {
		return err
	}
	return s.invalidate(ctx, l.Slug, l.Domain)
}

// ArchiveMany archives slugs on domain with a single batch invalidation.
func (s *Service) ArchiveMany(ctx context.Context, domain string, slugs []string) (int64, error) {
	n, err := models.ArchiveLinksBySlug(ctx, s.DB, domain, slugs)
	if err != nil {
		return 0, err
	}
	if len(slugs) == 0 {
		return 0, nil
	}
	if err := s.Cache.InvalidateBatch(ctx, slugs, strings.ToLower(domain)); err != nil {
		return n, fmt.Errorf("invalidate %d links: %w", len(slugs), err)
	}
	s.logger().WithFields(logrus.Fields{"domain": domain, "count": n}).Info("links: archived")
	return n, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	l := &models.Link{ID: id}
	if err := models.GetLinkByID(ctx, s.DB, l); err != nil {
		return err
	}
	if err := models.DeleteLink(ctx, s.DB, id); err != nil {
		return err
	}
	return s.invalidate(ctx, l.Slug, l.Domain)
}

// BySlug returns the link regardless of its archived state.
func (s *Service) BySlug(ctx context.Context, domain, slugStr string) (*models.Link, error) {
	return models.GetLinkBySlug(ctx, s.DB, slugStr, domain)
}

func (s *Service) invalidate(ctx context.Context, slugStr, domain string) error {
	if err := s.Cache.Invalidate(ctx, slugStr, domain); err != nil {
		return fmt.Errorf("invalidate %s/%s: %w", domain, slugStr, err)
	}
	return nil
}

func (s *Service) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func validateURL(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return ErrInvalidURL
	}
	if len(raw) <= len("https://") {
		return ErrInvalidURL
	}
	return nil
}
