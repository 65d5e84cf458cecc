package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"monthlypay/internal/core"
	"monthlypay/internal/log"
	ports "monthlypay/internal/sheets"

	goauth "golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const (
	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Config describes where the report URLs live and how politely to read.
type Config struct {
	MasterSpreadsheetID string
	MasterSheetName     string
	SkipURLs            []string

	// RequestDelay is waited between two spreadsheet reads.
	RequestDelay time.Duration
	// MaxRetries bounds the retries of a single read on 429, 5xx and
	// network errors.
	MaxRetries int
}

type valuesFunc func(ctx context.Context, spreadsheetID, rng string) ([][]any, error)

// Client collects the report sheets of every spreadsheet listed on the
// master sheet.
type Client struct {
	get    valuesFunc
	cfg    Config
	sleep  func(context.Context, time.Duration) error
	logger *log.Logger
}

// Ensure interface conformance
var _ ports.Collector = (*Client)(nil)

type reportLayout struct {
	sheet    string
	startRow int
}

var (
	workLayout    = reportLayout{sheet: ports.WorkReportSheet, startRow: ports.WorkReportStartRow}
	expenseLayout = reportLayout{sheet: ports.ExpenseReportSheet, startRow: ports.ExpenseReportStartRow}
)

// New wraps a Sheets service.
func New(svc *gsheet.Service, cfg Config) (*Client, error) {
	if svc == nil {
		return nil, errors.New("sheets service not initialized")
	}
	get := func(ctx context.Context, spreadsheetID, rng string) ([][]any, error) {
		resp, err := svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return resp.Values, nil
	}
	return newClient(get, cfg)
}

func newClient(get valuesFunc, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.MasterSpreadsheetID) == "" {
		return nil, errors.New("missing master spreadsheet id")
	}
	if strings.TrimSpace(cfg.MasterSheetName) == "" {
		return nil, errors.New("missing master sheet name")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		get:    get,
		cfg:    cfg,
		sleep:  sleepContext,
		logger: log.NewComponentLogger(log.ComponentCollector),
	}, nil
}

// ReadCredentials returns the service account key from inline JSON or a
// file. Both empty means application default credentials.
func ReadCredentials(inlineJSON, path string) ([]byte, error) {
	inlineJSON = strings.TrimSpace(inlineJSON)
	path = strings.TrimSpace(path)
	switch {
	case inlineJSON != "":
		return []byte(inlineJSON), nil
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return b, nil
	}
	return nil, nil
}

// NewService builds a read-only Sheets service. When subject is set the
// service account impersonates that user through domain-wide delegation.
// The context must outlive the service.
func NewService(ctx context.Context, credentialsJSON []byte, subject string) (*gsheet.Service, error) {
	scope := gsheet.SpreadsheetsReadonlyScope
	switch {
	case len(credentialsJSON) == 0:
		svc, err := gsheet.NewService(ctx, goption.WithScopes(scope))
		if err != nil {
			return nil, fmt.Errorf("create sheets service: %w", err)
		}
		return svc, nil
	case subject == "":
		svc, err := gsheet.NewService(ctx,
			goption.WithCredentialsJSON(credentialsJSON),
			goption.WithScopes(scope))
		if err != nil {
			return nil, fmt.Errorf("create sheets service: %w", err)
		}
		return svc, nil
	}

	conf, err := goauth.JWTConfigFromJSON(credentialsJSON, scope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	conf.Subject = subject
	svc, err := gsheet.NewService(ctx, goption.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return svc, nil
}

// Collect reads the master sheet, then both report sheets of every listed
// spreadsheet, one request at a time. A missing report sheet or an
// unparseable URL is logged and skipped. Any other failure aborts the run.
func (c *Client) Collect(ctx context.Context) (ports.Collection, error) {
	start := time.Now()
	master, err := c.fetch(ctx, c.cfg.MasterSpreadsheetID,
		a1Range(c.cfg.MasterSheetName, fmt.Sprintf("A%d", ports.MasterStartRow), "K"))
	if err != nil {
		return ports.Collection{}, fmt.Errorf("read master sheet: %w", err)
	}

	out := ports.Collection{Members: memberRows(master)}
	urls := masterURLs(master, c.cfg.SkipURLs)
	c.logger.InfoContext(ctx, "Master sheet read", "urls", len(urls), "members", len(out.Members))

	for i, url := range urls {
		progress := fmt.Sprintf("%d/%d", i+1, len(urls))
		id, err := spreadsheetID(url)
		if err != nil {
			c.logger.WarnContext(ctx, "Skipping report", "progress", progress, "error", err)
			out.Skipped = append(out.Skipped, url)
			continue
		}

		work, err := c.readReport(ctx, id, url, workLayout)
		if err != nil {
			return ports.Collection{}, err
		}
		expenses, err := c.readReport(ctx, id, url, expenseLayout)
		if err != nil {
			return ports.Collection{}, err
		}
		out.WorkReports = append(out.WorkReports, work...)
		out.ExpenseReports = append(out.ExpenseReports, expenses...)
		out.Sources++

		c.logger.DebugContext(ctx, "Report read",
			"progress", progress,
			log.FieldSourceID, url,
			"work_rows", len(work),
			"expense_rows", len(expenses))
	}

	c.logger.InfoContext(ctx, "Collection finished",
		"sources", out.Sources,
		"skipped", len(out.Skipped),
		"work_rows", len(out.WorkReports),
		"expense_rows", len(out.ExpenseReports),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (c *Client) readReport(ctx context.Context, id, url string, layout reportLayout) ([]core.RawRow, error) {
	if err := c.sleep(ctx, c.cfg.RequestDelay); err != nil {
		return nil, err
	}
	values, err := c.fetch(ctx, id, a1Range(layout.sheet, fmt.Sprintf("B%d", layout.startRow), "K"))
	if err != nil {
		if sheetMissing(err) {
			c.logger.WarnContext(ctx, "Report sheet missing or unreadable",
				log.FieldSourceID, url,
				log.FieldSheet, layout.sheet,
				"error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("read %s of %s: %w", layout.sheet, url, err)
	}
	return reportRows(url, values), nil
}

// fetch reads one range, retrying transient failures with exponential
// backoff.
func (c *Client) fetch(ctx context.Context, id, rng string) ([][]any, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt - 1)
			c.logger.WarnContext(ctx, "Retrying sheet read",
				"range", rng,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		values, err := c.get(ctx, id, rng)
		if err == nil {
			return values, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("read %s after %d attempts: %w", rng, c.cfg.MaxRetries+1, lastErr)
}

// backoff returns 1s, 2s, 4s... capped at 30s.
func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 5 {
		return maxBackoff
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// sheetMissing reports the errors the API returns for an absent tab or an
// inaccessible spreadsheet.
func sheetMissing(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
