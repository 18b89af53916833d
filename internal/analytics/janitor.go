package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/slugy/edge/internal/models"
)

type JanitorConfig struct {
	Retention time.Duration
	Interval  time.Duration
	BatchSize int
	// LookupsPerSecond paces orphan checks against the source of truth.
	LookupsPerSecond float64
}

// Report summarizes one maintenance pass.
type Report struct {
	Archived int
	Corrupt  int
	Missing  int
	Orphaned int
}

// Janitor keeps the hot buffer bounded and clean: it archives events past
// the retention horizon and drops entries nothing can use.
type Janitor struct {
	buf     *Buffer
	db      *sql.DB
	cfg     JanitorConfig
	log     logrus.FieldLogger
	limiter *rate.Limiter
	now     func() time.Time
	stop    chan struct{}
	done    chan struct{}
	active  bool
}

func NewJanitor(buf *Buffer, db *sql.DB, cfg JanitorConfig, log logrus.FieldLogger) *Janitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LookupsPerSecond <= 0 {
		cfg.LookupsPerSecond = 20
	}
	return &Janitor{
		buf:     buf,
		db:      db,
		cfg:     cfg,
		log:     log.WithField("component", "janitor"),
		limiter: rate.NewLimiter(rate.Limit(cfg.LookupsPerSecond), 1),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RunOnce archives expired events, then sweeps the rest of the buffer for
// corrupt, missing and orphaned entries.
func (j *Janitor) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	if err := j.archive(ctx, &rep); err != nil {
		return rep, err
	}
	if err := j.sweep(ctx, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (j *Janitor) archive(ctx context.Context, rep *Report) error {
	cutoff := j.now().Add(-j.cfg.Retention)
	for {
		entries, err := j.buf.Range(ctx, time.Time{}, cutoff, int64(j.cfg.BatchSize))
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		clicks := make([]models.Click, 0, len(entries))
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
			switch {
			case e.Missing:
				rep.Missing++
			case e.Corrupt:
				rep.Corrupt++
			default:
				clicks = append(clicks, e.Event.archived())
			}
		}

		// archive before removing; a crash in between re-archives the
		// same ids, which the clicks table ignores
		if err := models.BatchInsertClicks(ctx, j.db, clicks); err != nil {
			return fmt.Errorf("archive clicks: %w", err)
		}
		if err := j.buf.Remove(ctx, ids...); err != nil {
			return err
		}
		rep.Archived += len(clicks)

		if len(entries) < j.cfg.BatchSize {
			return nil
		}
	}
}

func (j *Janitor) sweep(ctx context.Context, rep *Report) error {
	size := int64(j.cfg.BatchSize)
	var offset int64
	for {
		entries, err := j.buf.Page(ctx, offset, size)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		var drop []string
		byLink := map[int64][]string{}
		for _, e := range entries {
			switch {
			case e.Missing:
				rep.Missing++
				drop = append(drop, e.ID)
			case e.Corrupt:
				rep.Corrupt++
				drop = append(drop, e.ID)
			default:
				byLink[e.Event.LinkID] = append(byLink[e.Event.LinkID], e.ID)
			}
		}

		orphans, err := j.orphans(ctx, byLink)
		if err != nil {
			return err
		}
		rep.Orphaned += len(orphans)
		drop = append(drop, orphans...)

		if err := j.buf.Remove(ctx, drop...); err != nil {
			return err
		}

		if int64(len(entries)) < size {
			return nil
		}
		offset += size - int64(len(drop))
	}
}

// orphans returns the event ids whose link no longer exists.
func (j *Janitor) orphans(ctx context.Context, byLink map[int64][]string) ([]string, error) {
	if len(byLink) == 0 {
		return nil, nil
	}
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(byLink))
	for id := range byLink {
		ids = append(ids, id)
	}
	existing, err := models.ExistingLinkIDs(ctx, j.db, ids)
	if err != nil {
		return nil, err
	}
	var out []string
	for id, events := range byLink {
		if !existing[id] {
			out = append(out, events...)
		}
	}
	return out, nil
}

// Start runs RunOnce every Interval until Shutdown.
func (j *Janitor) Start() {
	j.active = true
	go j.run()
}

func (j *Janitor) Shutdown() {
	if !j.active {
		return
	}
	close(j.stop)
	<-j.done
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			rep, err := j.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				j.log.WithError(err).Error("janitor: maintenance pass failed")
			}
			if rep != (Report{}) {
				j.log.WithFields(logrus.Fields{
					"archived": rep.Archived,
					"corrupt":  rep.Corrupt,
					"missing":  rep.Missing,
					"orphaned": rep.Orphaned,
				}).Info("janitor: maintenance pass")
			}
		case <-j.stop:
			return
		}
	}
}
