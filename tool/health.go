package tool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultHealthTimeout = 5 * time.Second

// HealthReport is the outcome of probing one server.
type HealthReport struct {
	Namespace  string       `json:"namespace"`
	Status     HealthStatus `json:"status"`
	StatusCode int          `json:"status_code,omitempty"`
	CheckedAt  time.Time    `json:"checked_at"`
	LatencyMS  int64        `json:"latency_ms"`
	Error      string       `json:"error,omitempty"`
}

// HealthSummary tallies one health pass.
type HealthSummary struct {
	Up      int            `json:"up"`
	Down    int            `json:"down"`
	Skipped int            `json:"skipped"`
	Reports []HealthReport `json:"reports,omitempty"`
}

// HealthCheckerConfig configures a HealthChecker.
type HealthCheckerConfig struct {
	Store      Store
	HTTPClient *http.Client
	// Timeout bounds each probe (default: 5s).
	Timeout  time.Duration
	AppID    string
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// HealthChecker probes every registered server that declares a health
// endpoint and records UP or DOWN.
type HealthChecker struct {
	store    Store
	client   *http.Client
	timeout  time.Duration
	appID    string
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(cfg HealthCheckerConfig) (*HealthChecker, error) {
	if cfg.Store == nil {
		return nil, errors.New("tool: health checker store is nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHealthTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &HealthChecker{
		store:    cfg.Store,
		client:   cfg.HTTPClient,
		timeout:  cfg.Timeout,
		appID:    cfg.AppID,
		observer: observerOrNoop(cfg.Observer),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// CheckAll probes servers one after another. A failing probe marks that
// server DOWN and never stops the pass. Only store listing errors return.
func (h *HealthChecker) CheckAll(ctx context.Context) (HealthSummary, error) {
	servers, err := ListServers(ctx, h.store, false)
	if err != nil {
		return HealthSummary{}, err
	}

	var summary HealthSummary
	for _, server := range servers {
		if ctx.Err() != nil {
			break
		}
		target := server.HealthURL()
		if target == "" {
			summary.Skipped++
			continue
		}

		report := h.probe(ctx, server.Namespace, target)
		if report.Status == HealthUp {
			summary.Up++
		} else {
			summary.Down++
		}
		summary.Reports = append(summary.Reports, report)

		h.observer.ObserveHealth(HealthObservation{
			Namespace:      server.Namespace,
			Status:         report.Status,
			PreviousStatus: server.HealthStatus,
			DurationMS:     report.LatencyMS,
			StatusCode:     report.StatusCode,
			ErrorCode:      healthErrorCode(report),
		})
		if report.Status != server.HealthStatus {
			h.logger.Info("tool: server health changed",
				"namespace", server.Namespace,
				"from", server.HealthStatus,
				"to", report.Status,
			)
		}

		if err := h.record(ctx, server.Namespace, report); err != nil {
			h.logger.Warn("tool: record server health failed", "namespace", server.Namespace, "error", err)
		}
	}
	return summary, nil
}

// record writes only the health fields onto the current server record, so a
// reconcile that landed during the probe is kept.
func (h *HealthChecker) record(ctx context.Context, namespace string, report HealthReport) error {
	current, ok, err := GetServer(ctx, h.store, namespace)
	if err != nil {
		return err
	}
	if !ok || current.IsDeleted {
		return nil
	}
	current.HealthStatus = report.Status
	current.LastHealthCheck = report.CheckedAt
	_, err = PutServer(ctx, h.store, current)
	return err
}

func (h *HealthChecker) probe(ctx context.Context, namespace, target string) HealthReport {
	start := h.now()
	report := HealthReport{Namespace: namespace, Status: HealthDown, CheckedAt: start}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if h.appID != "" {
		req.Header.Set(HeaderAppID, h.appID)
	}
	resp, err := h.client.Do(req)
	report.LatencyMS = h.now().Sub(start).Milliseconds()
	if err != nil {
		report.Error = err.Error()
		return report
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	report.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		report.Status = HealthUp
	} else {
		report.Error = http.StatusText(resp.StatusCode)
	}
	return report
}

func healthErrorCode(r HealthReport) string {
	if r.Status == HealthUp {
		return ""
	}
	return ErrorCodeRemote
}
