package queue

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/daysync/daysync/internal/transport"
)

// anonymous is the Auth used when none is configured: always signed in as
// a fixed local user.
type anonymous struct{}

func (anonymous) IsAuthenticated() bool { return true }
func (anonymous) UserID() string { return "local" }
func (anonymous) IsAuthError(err error) bool { return transport.IsAuthError(err) }
func (anonymous) HandleAuthFailure(error) {}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// upload sends batch and returns one error per item, index-aligned.
func (s *Scheduler) upload(ctx context.Context, batch []Item) []error {
	errs := make([]error, len(batch))
	if s.transport == nil {
		err := fmt.Errorf("no transport configured for %s", s.part.Name)
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	switch s.part.Mode {
	case ModeBulk:
		s.uploadBulk(ctx, batch, errs)
	case ModeGrouped:
		if saver, ok := s.transport.(transport.BatchSaver); ok {
			s.uploadGrouped(ctx, saver, batch, errs)
			return errs
		}
		s.uploadPerItem(ctx, batch, errs)
	default:
		s.uploadPerItem(ctx, batch, errs)
	}
	return errs
}

func (s *Scheduler) row(item Item, withOwner bool) transport.Row {
	r := transport.Row{
		transport.ColumnKey:       item.Key,
		transport.ColumnValue:     item.Value,
		transport.ColumnUpdatedAt: item.UpdatedAt,
	}
	if withOwner && s.part.OwnerColumn != "" {
		r[s.part.OwnerColumn] = item.OwnerScope
	}
	return r
}

func (s *Scheduler) uploadBulk(ctx context.Context, batch []Item, errs []error) {
	rows := make([]transport.Row, len(batch))
	for i, item := range batch {
		rows[i] = s.row(item, true)
	}
	err := s.transport.BulkUpsert(ctx, s.part.Table, rows, s.part.ConflictColumns)
	for i := range errs {
		errs[i] = err
	}
}

func (s *Scheduler) uploadPerItem(ctx context.Context, batch []Item, errs []error) {
	var g errgroup.Group
	g.SetLimit(s.part.Concurrency)
	for i, item := range batch {
		g.Go(func() error {
			errs[i] = s.transport.Upsert(ctx, s.part.Table, s.row(item, true), s.part.ConflictColumns)
			return nil
		})
	}
	_ = g.Wait()
}

// uploadGrouped issues one SaveBatch per owner. Owners fail independently.
func (s *Scheduler) uploadGrouped(ctx context.Context, saver transport.BatchSaver, batch []Item, errs []error) {
	var owners []string
	groups := make(map[string][]int)
	for i, item := range batch {
		if _, ok := groups[item.OwnerScope]; !ok {
			owners = append(owners, item.OwnerScope)
		}
		groups[item.OwnerScope] = append(groups[item.OwnerScope], i)
	}

	var g errgroup.Group
	g.SetLimit(s.part.Concurrency)
	for _, owner := range owners {
		idx := groups[owner]
		g.Go(func() error {
			rows := make([]transport.Row, len(idx))
			for j, i := range idx {
				rows[j] = s.row(batch[i], false)
			}
			saved, err := saver.SaveBatch(ctx, owner, rows)
			if err == nil && saved < len(rows) {
				s.logger.Printf("%s: owner %s saved %d of %d items", s.part.Name, owner, saved, len(rows))
			}
			for _, i := range idx {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
}
