package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/slugy/edge/internal/analytics"
	"github.com/slugy/edge/internal/app"
	"github.com/slugy/edge/internal/links"
	"github.com/slugy/edge/internal/models"
)

type seedLink struct {
	slug string
	dest string
	// weight controls relative click volume
	weight float64
}

var seedLinks = []seedLink{
	{"docs", "https://example.com/docs", 5.0},
	{"pricing", "https://example.com/pricing", 4.0},
	{"launch", "https://example.com/blog/launch", 4.5},
	{"changelog", "https://example.com/changelog", 3.0},
	{"careers", "https://example.com/careers", 1.5},
	{"status", "https://status.example.com", 1.2},
	{"developers", "https://example.com/developers/api", 3.5},
	{"webinar", "https://example.com/events/webinar", 2.0},
}

type weighted[T any] struct {
	v      T
	weight float64
}

func pick[T any](rng *rand.Rand, items []weighted[T]) T {
	var total float64
	for _, item := range items {
		total += item.weight
	}
	r := rng.Float64() * total
	for _, item := range items {
		r -= item.weight
		if r <= 0 {
			return item.v
		}
	}
	return items[len(items)-1].v
}

var (
	seedReferrers = []weighted[string]{
		{"https://www.google.com/", 30},
		{"", 20}, // direct
		{"https://github.com/", 15},
		{"https://t.co/", 8},
		{"https://www.reddit.com/", 7},
		{"https://news.ycombinator.com/", 5},
		{"https://www.linkedin.com/", 4},
		{"https://mail.google.com/", 3},
	}
	seedPlaces = []weighted[[3]string]{
		{[3]string{"US", "New York", "NA"}, 25},
		{[3]string{"IN", "Bengaluru", "AS"}, 20},
		{[3]string{"DE", "Berlin", "EU"}, 8},
		{[3]string{"GB", "London", "EU"}, 7},
		{[3]string{"BR", "São Paulo", "SA"}, 6},
		{[3]string{"FR", "Paris", "EU"}, 5},
		{[3]string{"JP", "Tokyo", "AS"}, 3},
		{[3]string{"AU", "Sydney", "OC"}, 3},
	}
	seedBrowsers = []weighted[string]{
		{"Chrome", 55}, {"Safari", 17}, {"Firefox", 15}, {"Edge", 8}, {"", 5},
	}
	seedOSes = []weighted[string]{
		{"Windows", 35}, {"Mac OS X", 25}, {"Linux", 15}, {"Android", 15}, {"iOS", 10},
	}
	seedDevices = []weighted[string]{
		{"desktop", 62}, {"mobile", 30}, {"tablet", 5}, {"bot", 3},
	}
	seedTriggers = []weighted[string]{
		{"link", 40}, {"social", 20}, {"direct", 15}, {"campaign", 10}, {"email", 8}, {"qr", 5}, {"bot", 2},
	}
)

func newSeedCmd() *cobra.Command {
	var (
		days      int
		workspace string
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a demo workspace with links and buffered clicks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Store.Embedded() {
				log.Warn("seed: embedded redis is gone when seed exits; set SLUGY_REDIS_ADDR to keep the clicks")
			}

			span := time.Duration(days) * 24 * time.Hour
			if span > cfg.Analytics.Retention {
				span = cfg.Analytics.Retention
			}
			return seedWorkspace(cmd.Context(), cmd.OutOrStdout(), a, workspace, cfg.DefaultDomain(), span, rand.New(rand.NewSource(seed)))
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "days of click history to generate")
	cmd.Flags().StringVar(&workspace, "workspace", "demo", "workspace slug")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	return cmd
}

func seedWorkspace(ctx context.Context, out io.Writer, a *app.App, workspace, domain string, span time.Duration, rng *rand.Rand) error {
	wsID, err := models.WorkspaceIDBySlug(ctx, a.DB, workspace)
	if errors.Is(err, sql.ErrNoRows) {
		wsID = "ws_" + workspace
		err = models.CreateWorkspace(ctx, a.DB, &models.Workspace{ID: wsID, Slug: workspace})
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	total := 0
	for _, sl := range seedLinks {
		l := &models.Link{WorkspaceID: wsID, Slug: sl.slug, Domain: domain, URL: sl.dest}
		err := a.Links.Create(ctx, l)
		if errors.Is(err, links.ErrSlugTaken) {
			l, err = a.Links.BySlug(ctx, domain, sl.slug)
		}
		if err != nil {
			return fmt.Errorf("link %s: %w", sl.slug, err)
		}

		// roughly 8-40 clicks a day per link, fewer on weekends
		var batch []*analytics.ClickEvent
		for day := now.Add(-span); day.Before(now); day = day.Add(24 * time.Hour) {
			perDay := sl.weight * 8 * (0.6 + rng.Float64()*0.8)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				perDay *= 0.4
			}
			for range int(perDay) {
				at := day.Add(time.Duration(rng.Int63n(int64(24 * time.Hour))))
				if at.After(now) {
					continue
				}
				place := pick(rng, seedPlaces)
				batch = append(batch, &analytics.ClickEvent{
					LinkID:      l.ID,
					WorkspaceID: wsID,
					Slug:        l.Slug,
					Domain:      l.Domain,
					URL:         l.URL,
					IP:          fmt.Sprintf("%d.%d.%d.%d", rng.Intn(224)+1, rng.Intn(256), rng.Intn(256), rng.Intn(256)),
					Country:     place[0],
					City:        place[1],
					Continent:   place[2],
					Browser:     pick(rng, seedBrowsers),
					OS:          pick(rng, seedOSes),
					Device:      pick(rng, seedDevices),
					Referer:     pick(rng, seedReferrers),
					Trigger:     pick(rng, seedTriggers),
					Timestamp:   at,
				})
				if len(batch) >= 500 {
					if err := a.Buffer.Append(ctx, batch...); err != nil {
						return fmt.Errorf("clicks for %s: %w", sl.slug, err)
					}
					total += len(batch)
					batch = batch[:0]
				}
			}
		}
		if len(batch) > 0 {
			if err := a.Buffer.Append(ctx, batch...); err != nil {
				return fmt.Errorf("clicks for %s: %w", sl.slug, err)
			}
			total += len(batch)
		}
		fmt.Fprintf(out, "  %-30s %s\n", l.ShortURL(), l.URL)
	}

	fmt.Fprintf(out, "\nDone! %d links in workspace %q with %d buffered clicks.\n", len(seedLinks), workspace, total)
	return nil
}
