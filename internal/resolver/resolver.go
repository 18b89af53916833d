// Package resolver turns a domain+slug into a redirect decision.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/slugy/edge/internal/models"
)

var (
	ErrNotFound = errors.New("resolver: link not found")
	// ErrUnavailable means neither the cache nor the source of truth could
	// answer. Callers redirect to the fallback URL.
	ErrUnavailable = errors.New("resolver: link lookup unavailable")
)

// Store is the source of truth for links.
type Store interface {
	ResolvableLink(ctx context.Context, domain, slug string) (*models.Link, error)
}

type Cache interface {
	Get(ctx context.Context, domain, slug string) (*models.Link, bool, error)
	Set(ctx context.Context, link *models.Link) error
}

type Result struct {
	URL              string
	LinkID           int64
	WorkspaceID      string
	Link             *models.Link
	RequiresPassword bool
	Expired          bool
}

type Resolver struct {
	Store       Store
	Cache       Cache
	FallbackURL string
	Timeout     time.Duration
	Log         logrus.FieldLogger

	group singleflight.Group
	now   func() time.Time
}

func New(store Store, cache Cache, fallbackURL string, timeout time.Duration, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		Store:       store,
		Cache:       cache,
		FallbackURL: fallbackURL,
		Timeout:     timeout,
		Log:         log.WithField("component", "resolver"),
		now:         time.Now,
	}
}

// Resolve decides where domain/slug should send the visitor. verified says
// whether the caller holds a password proof for this link.
//
// Expiry is checked before the password: an expired gated link goes to its
// expiration URL without asking for the password.
func (r *Resolver) Resolve(ctx context.Context, domain, slug string, verified bool) (*Result, error) {
	link, err := r.Link(ctx, domain, slug)
	if err != nil {
		return nil, err
	}

	res := &Result{LinkID: link.ID, WorkspaceID: link.WorkspaceID, Link: link}
	switch {
	case link.Expired(r.now()):
		res.Expired = true
		res.URL = link.ExpirationURL
		if res.URL == "" {
			res.URL = r.FallbackURL
		}
	case link.HasPassword() && !verified:
		res.RequiresPassword = true
	default:
		res.URL = link.URL
	}
	return res, nil
}

// Link returns the live link for domain/slug from the cache or the store.
func (r *Resolver) Link(ctx context.Context, domain, slug string) (*models.Link, error) {
	domain = strings.ToLower(domain)

	link, found, cacheErr := r.Cache.Get(ctx, domain, slug)
	if cacheErr != nil {
		r.Log.WithError(cacheErr).WithField("slug", slug).Warn("resolver: cache lookup failed")
	}
	if found {
		return link, nil
	}

	v, err, _ := r.group.Do(domain+":"+slug, func() (any, error) {
		return r.load(ctx, domain, slug, cacheErr == nil)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if cacheErr != nil {
			return nil, ErrUnavailable
		}
		r.Log.WithError(err).WithField("slug", slug).Warn("resolver: store lookup failed")
		return nil, ErrNotFound
	}
	return v.(*models.Link), nil
}

// load queries the store on behalf of every caller waiting on the same key,
// so it must not die with whichever caller happened to start it.
func (r *Resolver) load(ctx context.Context, domain, slug string, fill bool) (*models.Link, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Timeout)
	defer cancel()

	link, err := r.Store.ResolvableLink(ctx, domain, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	// drivers do not always wrap the context error
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil) {
		r.Log.WithField("slug", slug).Warn("resolver: store lookup timed out")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if link.Archived {
		return nil, ErrNotFound
	}

	if fill {
		if err := r.Cache.Set(ctx, link); err != nil {
			r.Log.WithError(err).WithField("slug", slug).Warn("resolver: cache fill failed")
		}
	}
	return link, nil
}

// SetClock replaces the time source. Tests only.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}
