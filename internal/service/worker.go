package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// TaskError accumulates the per-record failures of a bulk run.
type TaskError struct {
	Errors []error
}

func (e *TaskError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return "multiple errors: " + strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match any of the collected errors.
func (e *TaskError) Unwrap() []error {
	return e.Errors
}

func (e *TaskError) append(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
}

func (e *TaskError) asError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// BulkIngestor seeds accounts and blacklist entries with a worker pool.
type BulkIngestor struct {
	seeder  *Seeder
	workers int
}

// NewBulkIngestor creates a BulkIngestor with the given concurrency.
func NewBulkIngestor(seeder *Seeder, workers int) *BulkIngestor {
	if workers <= 0 {
		workers = 4
	}
	return &BulkIngestor{seeder: seeder, workers: workers}
}

// IngestAccounts opens every account in the dataset.
func (bi *BulkIngestor) IngestAccounts(ctx context.Context, accounts []AccountInput) (IngestReport, error) {
	return bi.run(ctx, len(accounts), func(idx int) (bool, error) {
		return bi.seeder.SeedAccount(ctx, accounts[idx])
	})
}

// IngestBlacklist blocks every identifier in the dataset.
func (bi *BulkIngestor) IngestBlacklist(ctx context.Context, entries []BlacklistInput) (IngestReport, error) {
	return bi.run(ctx, len(entries), func(idx int) (bool, error) {
		return bi.seeder.SeedBlacklist(ctx, entries[idx])
	})
}

func (bi *BulkIngestor) run(ctx context.Context, total int, workerFn func(idx int) (bool, error)) (IngestReport, error) {
	report := IngestReport{Total: int64(total)}
	if total == 0 {
		return report, nil
	}

	var created, skipped atomic.Int64
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range indexCh {
			isNew, err := workerFn(idx)
			switch {
			case err != nil:
				errCh <- err
			case isNew:
				created.Add(1)
			default:
				skipped.Add(1)
			}
		}
	}

	for i := 0; i < bi.workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	report.Created = created.Load()
	report.Skipped = skipped.Load()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	var taskErr TaskError
	for err := range errCh {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return report, err
		}
		taskErr.append(err)
	}
	return report, taskErr.asError()
}
