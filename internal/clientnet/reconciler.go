package clientnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Reconciler re-derives authoritative state from the REST surface after the
// streaming surface reports a gap or goes silent, grounded on
// reconciler.py's REST GET helpers.
type Reconciler struct {
	BaseURL     string
	SessionID   string
	RateLimiter *RestRateLimiter
	HTTPClient  *http.Client

	OnMarketDataReconciled  func(symbol string, ticker map[string]any)
	OnPriceHistoryReconciled func(symbol string, prices []map[string]any)
	OnOrdersReconciled      func(orders []map[string]any)
	OnBalanceReconciled     func(balances map[string]string)
}

// NewReconciler creates a reconciler against baseURL.
func NewReconciler(baseURL, sessionID string, rl *RestRateLimiter) *Reconciler {
	return &Reconciler{
		BaseURL:     baseURL,
		SessionID:   sessionID,
		RateLimiter: rl,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Reconciler) get(ctx context.Context, endpoint string, query url.Values) (map[string]any, error) {
	full := r.BaseURL + endpoint
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	if r.RateLimiter != nil {
		if err := r.RateLimiter.CheckRateLimit(ctx, endpoint, 0); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Session-ID", r.SessionID)

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := r.RateLimiter.HandleRateLimitError(endpoint, resp.Header.Get("Retry-After"))
		return nil, fmt.Errorf("rate limited, retry after %s", delay)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if r.RateLimiter != nil {
		r.RateLimiter.ResetEndpoint(endpoint)
	}
	return out, nil
}

// ReconcileMarketData fetches the current ticker for symbol after a gap was
// detected in the streaming ticker feed.
func (r *Reconciler) ReconcileMarketData(ctx context.Context, symbol string, gap Gap) error {
	data, err := r.get(ctx, "/api/v1/ticker", url.Values{"symbol": {symbol}})
	if err != nil {
		return err
	}
	if r.OnMarketDataReconciled != nil {
		r.OnMarketDataReconciled(symbol, data)
	}
	return nil
}

// ReconcilePriceHistory fetches archived ticks for symbol, used to backfill
// the gap a client detected rather than trusting the live stream alone.
func (r *Reconciler) ReconcilePriceHistory(ctx context.Context, symbol string, start, end int64, limit int) error {
	q := url.Values{"symbol": {symbol}}
	if start > 0 {
		q.Set("start", fmt.Sprintf("%d", start))
	}
	if end > 0 {
		q.Set("end", fmt.Sprintf("%d", end))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	data, err := r.get(ctx, "/api/v1/prices", q)
	if err != nil {
		return err
	}
	if r.OnPriceHistoryReconciled != nil {
		prices, _ := data["prices"].([]any)
		out := make([]map[string]any, 0, len(prices))
		for _, p := range prices {
			if m, ok := p.(map[string]any); ok {
				out = append(out, m)
			}
		}
		r.OnPriceHistoryReconciled(symbol, out)
	}
	return nil
}

// ReconcileOrders fetches the session's order list.
func (r *Reconciler) ReconcileOrders(ctx context.Context) error {
	data, err := r.get(ctx, "/api/v1/orders", nil)
	if err != nil {
		return err
	}
	if r.OnOrdersReconciled != nil {
		list, _ := data["orders"].([]any)
		out := make([]map[string]any, 0, len(list))
		for _, o := range list {
			if m, ok := o.(map[string]any); ok {
				out = append(out, m)
			}
		}
		r.OnOrdersReconciled(out)
	}
	return nil
}

// ReconcileBalance fetches the session's balances.
func (r *Reconciler) ReconcileBalance(ctx context.Context) error {
	data, err := r.get(ctx, "/api/v1/balance", nil)
	if err != nil {
		return err
	}
	if r.OnBalanceReconciled != nil {
		balances, _ := data["balances"].(map[string]any)
		out := make(map[string]string, len(balances))
		for k, v := range balances {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		r.OnBalanceReconciled(out)
	}
	return nil
}

// ReconcileAll reconciles orders and balance together, as a client typically
// does right after a reconnect.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	_ = r.ReconcileOrders(ctx)
	_ = r.ReconcileBalance(ctx)
}
