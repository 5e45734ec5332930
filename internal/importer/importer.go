// internal/importer/importer.go

// Package importer feeds CSV loan exports into the lending API. Every row is keyed
// by a hash of its normalized content, so rerunning a file never duplicates loans.
package importer

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"libralend/internal/clients"
	"libralend/internal/loan"
)

var requiredColumns = []string{"item_id", "member_id", "issue_date"}

// Client is the subset of the lending API the importer needs.
type Client interface {
	ImportLoan(ctx context.Context, input loan.CreateInput, importHash string) (*loan.Loan, error)
}

// Row is one parsed CSV record.
type Row struct {
	Line      int
	ItemID    uuid.UUID
	MemberID  uuid.UUID
	IssueDate time.Time
	Hash      string
}

// Report summarizes an import run.
type Report struct {
	Imported   int      `json:"imported"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Hash derives the import hash of a row from its normalized fields.
func Hash(itemID, memberID uuid.UUID, issueDate time.Time) string {
	sum := blake2b.Sum256([]byte(strings.Join([]string{
		itemID.String(),
		memberID.String(),
		loan.FormatTimestamp(issueDate),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

const (
	defaultRetryWait  = time.Second
	defaultMaxRetries = 5
)

// Importer reads CSV records and submits them one by one.
type Importer struct {
	client     Client
	logger     *zap.Logger
	limiter    *rate.Limiter
	maxRetries int
}

// Option configures an Importer.
type Option func(*Importer)

// WithRateLimit paces submissions to limit rows per second, allowing burst rows at once.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(im *Importer) {
		if limit <= 0 {
			return
		}
		im.limiter = rate.NewLimiter(limit, max(burst, 1))
	}
}

// WithMaxRetries bounds how often a throttled row is resent before it counts as failed.
func WithMaxRetries(n int) Option {
	return func(im *Importer) {
		if n >= 0 {
			im.maxRetries = n
		}
	}
}

func New(client Client, logger *zap.Logger, opts ...Option) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	im := &Importer{client: client, logger: logger, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Run imports every row of r. Malformed rows and rejected loans are counted and
// reported; only read errors and cancellation stop the run.
func (im *Importer) Run(ctx context.Context, r io.Reader) (Report, error) {
	var report Report

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return report, fmt.Errorf("read header: %w", err)
	}
	columns, err := indexColumns(header)
	if err != nil {
		return report, err
	}

	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("read line %d: %w", line, err)
		}

		row, err := parseRow(line, record, columns)
		if err != nil {
			report.fail(err)
			continue
		}

		err = im.submit(ctx, row)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}

		var apiErr *clients.APIError
		switch {
		case err == nil:
			report.Imported++
		case errors.As(err, &apiErr) && apiErr.Code == loan.CodeImportHashExistent:
			report.Duplicates++
			im.logger.Debug("skipping already imported row", zap.Int("line", line), zap.String("import_hash", row.Hash))
		default:
			report.fail(fmt.Errorf("line %d: %w", line, err))
		}
	}

	im.logger.Info("import finished",
		zap.Int("imported", report.Imported),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed))
	return report, nil
}

// submit sends one row. A throttled row is resent after the wait the server asked
// for, up to maxRetries times.
func (im *Importer) submit(ctx context.Context, row Row) error {
	input := loan.CreateInput{
		ItemID:    row.ItemID,
		MemberID:  row.MemberID,
		IssueDate: row.IssueDate,
	}

	for attempt := 0; ; attempt++ {
		if im.limiter != nil {
			if err := im.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		_, err := im.client.ImportLoan(ctx, input, row.Hash)
		if err == nil || !errors.Is(err, clients.ErrRateLimited) || attempt >= im.maxRetries {
			return err
		}

		wait := defaultRetryWait
		var apiErr *clients.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
		}
		im.logger.Debug("import throttled",
			zap.Int("line", row.Line),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_after", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Report) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err.Error())
}

func indexColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return columns, nil
}

func parseRow(line int, record []string, columns map[string]int) (Row, error) {
	field := func(name string) string {
		i := columns[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	itemID, err := uuid.Parse(field("item_id"))
	if err != nil {
		return Row{}, fmt.Errorf("line %d: invalid item_id: %w", line, err)
	}
	memberID, err := uuid.Parse(field("member_id"))
	if err != nil {
		return Row{}, fmt.Errorf("line %d: invalid member_id: %w", line, err)
	}
	issueDate, err := parseDate(field("issue_date"))
	if err != nil {
		return Row{}, fmt.Errorf("line %d: invalid issue_date: %w", line, err)
	}

	return Row{
		Line:      line,
		ItemID:    itemID,
		MemberID:  memberID,
		IssueDate: issueDate,
		Hash:      Hash(itemID, memberID, issueDate),
	}, nil
}

// parseDate accepts RFC 3339 timestamps and plain dates, which are read as UTC midnight.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, raw)
}
