package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/warden/internal/session"
	"github.com/stellarlinkco/warden/internal/store"
)

// ArchiveJobName is the name the archive sweep is registered under.
const ArchiveJobName = "archive-sweep"

// Archiver is the part of the session service the archive sweep uses.
type Archiver interface {
	List(ctx context.Context, f store.Filter) ([]session.State, error)
	Archive(ctx context.Context, sessionID string) error
}

// ArchiveSweep returns a job that archives sessions which have been
// completed, failed or terminated for longer than after.
func ArchiveSweep(a Archiver, after time.Duration, now func() time.Time) Func {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (string, error) {
		states, err := a.List(ctx, store.Filter{
			Statuses:        []session.Status{session.StatusCompleted, session.StatusFailed, session.StatusTerminated},
			CompletedBefore: now().Add(-after),
		})
		if err != nil {
			return "", fmt.Errorf("list archivable sessions: %w", err)
		}
		var (
			errs     []error
			archived int
		)
		for _, st := range states {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			if err := a.Archive(ctx, st.ID); err != nil {
				errs = append(errs, fmt.Errorf("archive %s: %w", st.ID, err))
				continue
			}
			archived++
		}
		return fmt.Sprintf("archived %d of %d sessions", archived, len(states)), errors.Join(errs...)
	}
}
