package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/adstats/internal/metrics"
	"github.com/radiusdt/adstats/internal/models"
	"github.com/radiusdt/adstats/internal/resolver"
	"github.com/radiusdt/adstats/internal/stats"
	"github.com/radiusdt/adstats/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrPageCapExceeded is returned when an insights listing keeps paginating
// past the configured page cap.
var ErrPageCapExceeded = errors.New("insights pagination exceeded page cap")

// ProviderError is a failure scoped to one ad account. Fatal errors (bad
// credentials, rejected requests) are not worth retrying.
type ProviderError struct {
	AccountID string
	Status    int
	Message   string
	Fatal     bool
	Err       error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider error for account %s", e.AccountID)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a fatal ProviderError.
func IsFatal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Fatal
}

// transientError marks a page fetch that should degrade to an empty result.
type transientError struct {
	reason string
	err    error
}

func (e *transientError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// LiveConfig configures the insights client.
type LiveConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	MaxPages   int
	PageSize   int
	RPS        float64
}

// AccountStats holds mapped insights per level for one account.
type AccountStats map[models.Level][]Insight

// Live reads the ad platform's insights API for every connected ad account
// of a tenant.
type Live struct {
	cfg      LiveConfig
	client   *http.Client
	cipher   *CredentialCipher
	accounts storage.AdAccountRepo
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewLive(cfg LiveConfig, cipher *CredentialCipher, accounts storage.AdAccountRepo, logger *zap.Logger, m *metrics.Metrics) *Live {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 25
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}

	return &Live{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		cipher:   cipher,
		accounts: accounts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		metrics:  m,
	}
}

func (l *Live) Name() string { return "live" }

// FetchStats fetches every connected account of the tenant. A failing
// account, including one that hits the page cap, is logged and skipped. Only
// storage errors or every account failing surface as an error. Rows whose
// external id is not in req.Entities are dropped.
func (l *Live) FetchStats(ctx context.Context, req FetchRequest) ([]models.RawStatRow, error) {
	accounts, err := l.accounts.ListAdAccounts(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ad accounts: %w", err)
	}

	idMap := resolver.ByExternalID(req.Entities)
	levels := []models.Level{req.Level}

	var (
		rows      []models.RawStatRow
		succeeded int
		firstErr  error
	)
	for _, acc := range accounts {
		if !acc.Connected() {
			continue
		}

		accStats, err := l.FetchForAccount(ctx, acc, levels, req.From, req.To)
		if err != nil {
			l.logger.Error("ad account fetch failed",
				zap.String("tenant_id", req.TenantID),
				zap.String("ad_account_id", acc.ID),
				zap.Bool("fatal", IsFatal(err)),
				zap.Error(err),
			)
			if l.metrics != nil {
				l.metrics.RecordAccountFailure(failureReason(err))
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, in := range accStats[req.Level] {
			internalID, ok := idMap[in.ExternalID]
			if !ok {
				continue
			}
			rows = append(rows, models.RawStatRow{
				TenantID:   req.TenantID,
				EntityType: req.Level,
				EntityID:   internalID,
				ExternalID: models.StringPtr(in.ExternalID),
				DateStart:  in.DateStart,
				DateStop:   in.DateStop,
				Counters:   in.Counters,
				Ratios:     stats.DeriveRatios(in.Counters),
			})
		}
		succeeded++
	}

	// Surface the failure only when no account got through, so the job is
	// not reported as a silent success.
	if succeeded == 0 && firstErr != nil {
		return nil, firstErr
	}
	return rows, nil
}

// FetchForAccount decrypts the account's token and pulls insights for each
// level in [from, to]. Transient failures yield no rows for that level.
func (l *Live) FetchForAccount(ctx context.Context, acc *models.AdAccount, levels []models.Level, from, to time.Time) (AccountStats, error) {
	token, err := l.cipher.Decrypt(acc.EncryptedSecret)
	if err != nil {
		return nil, &ProviderError{AccountID: acc.ID, Fatal: true, Err: err}
	}

	out := make(AccountStats, len(levels))
	for _, level := range levels {
		insights, err := l.fetchLevel(ctx, acc, token, level, from, to)
		if err != nil {
			var te *transientError
			if errors.As(err, &te) {
				l.logger.Warn("insights fetch degraded to empty result",
					zap.String("ad_account_id", acc.ID),
					zap.String("level", string(level)),
					zap.String("reason", te.reason),
					zap.Error(te.err),
				)
				l.recordRequest("transient")
				out[level] = nil
				continue
			}
			return nil, err
		}
		out[level] = insights
	}
	return out, nil
}

func (l *Live) fetchLevel(ctx context.Context, acc *models.AdAccount, token string, level models.Level, from, to time.Time) ([]Insight, error) {
	next := l.insightsURL(acc.ExternalID, token, level, from, to)

	var insights []Insight
	for page := 0; next != ""; page++ {
		if page >= l.cfg.MaxPages {
			return nil, fmt.Errorf("%w: account %s, level %s, %d pages", ErrPageCapExceeded, acc.ID, level, l.cfg.MaxPages)
		}

		p, err := l.getPage(ctx, acc.ID, next)
		if err != nil {
			return nil, err
		}
		l.recordRequest("ok")

		for _, rec := range p.Data {
			if in, ok := rec.toInsight(level); ok {
				insights = append(insights, in)
			}
		}
		next = p.Paging.Next
	}
	return insights, nil
}

func (l *Live) insightsURL(externalAccountID, token string, level models.Level, from, to time.Time) string {
	timeRange, _ := json.Marshal(map[string]string{
		"since": models.FormatDate(from),
		"until": models.FormatDate(to),
	})

	q := url.Values{}
	q.Set("level", strings.ToLower(string(level)))
	q.Set("fields", strings.Join(insightFields, ","))
	q.Set("time_range", string(timeRange))
	q.Set("time_increment", "1")
	q.Set("limit", strconv.Itoa(l.cfg.PageSize))
	q.Set("access_token", token)

	return fmt.Sprintf("%s/%s/act_%s/insights?%s", l.cfg.BaseURL, l.cfg.APIVersion, externalAccountID, q.Encode())
}

func (l *Live) getPage(ctx context.Context, accountID, u string) (*insightPage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, &transientError{reason: "rate limiter", err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &ProviderError{AccountID: accountID, Fatal: true, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		// url.Error embeds the request URL, access token included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, &transientError{reason: "network", err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{reason: "read body", err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &transientError{reason: "upstream status", err: fmt.Errorf("http status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		l.recordRequest("fatal")
		return nil, &ProviderError{
			AccountID: accountID,
			Status:    resp.StatusCode,
			Message:   apiErrorMessage(body),
			Fatal:     true,
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &transientError{reason: "unexpected status", err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var p insightPage
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &transientError{reason: "malformed page", err: err}
	}
	return &p, nil
}

func (l *Live) recordRequest(outcome string) {
	if l.metrics != nil {
		l.metrics.RecordProviderRequest(l.Name(), outcome)
	}
}

func apiErrorMessage(body []byte) string {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error.Message
}

func failureReason(err error) string {
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrDecrypt):
		return "decrypt"
	case errors.Is(err, ErrPageCapExceeded):
		return "page_cap"
	case errors.As(err, &pe) && pe.Status != 0:
		return "status_" + strconv.Itoa(pe.Status)
	default:
		return "other"
	}
}
