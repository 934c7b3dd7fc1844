package reconcile

import (
	"context"
	"fmt"
	"time"

	"ex2gcal/internal/model"
)

// maxPages bounds a single listing; a service that keeps returning tokens
// past this point is treated as failing.
const maxPages = 10000

// Lister reads one page of destination events whose time range intersects
// [start, end], ordered by start time.
type Lister interface {
	List(ctx context.Context, start, end time.Time, pageToken string) (model.Page, error)
}

// BuildIndex pages through every destination event in the window and indexes
// those carrying an ownership tag. Any page failure aborts the build; a
// partial index is never returned.
func BuildIndex(ctx context.Context, l Lister, start, end time.Time) (*Index, error) {
	ix := NewIndex()
	token := ""

	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("build index: more than %d pages", maxPages)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build index: %w", err)
		}

		res, err := l.List(ctx, start, end, token)
		if err != nil {
			return nil, fmt.Errorf("build index: list page %d: %w", page, err)
		}
		for _, ev := range res.Events {
			ix.Add(ev)
		}

		if res.NextPageToken == "" {
			return ix, nil
		}
		token = res.NextPageToken
	}
}
