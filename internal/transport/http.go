package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() string { return string(t) }

// HTTP talks to a REST gateway in front of the remote store.
//
// Endpoints:
//
//	POST {base}/rest/v1/{table}?on_conflict=a,b   upsert rows
//	POST {base}/rest/v1/rpc/{procedure}           owner batch save
//	GET  {base}/rest/v1/{table}?...               pull rows
//
// 429 and 5xx responses are retried with exponential backoff, honouring
// Retry-After. Everything else is returned as an *HTTPError.
type HTTP struct {
	baseURL    string
	tokens     TokenSource
	apiKey     string
	httpClient *http.Client

	// BatchProcedure names the RPC used by SaveBatch.
	BatchProcedure string

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTP creates an HTTP transport. If httpClient is nil a client with a
// 15s timeout is used.
func NewHTTP(baseURL string, tokens TokenSource, apiKey string, httpClient *http.Client) *HTTP {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:54321"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &HTTP{
		baseURL:        baseURL,
		tokens:         tokens,
		apiKey:         apiKey,
		httpClient:     httpClient,
		BatchProcedure: "save_client_kv",
		maxRetries:     3,
		baseDelay:      100 * time.Millisecond,
		maxDelay:       2 * time.Second,
	}
}

// SetRetryPolicy overrides the request-level retry policy.
func (c *HTTP) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

// Upsert implements Transport.Upsert.
func (c *HTTP) Upsert(ctx context.Context, table string, row Row, conflictColumns []string) error {
	return c.BulkUpsert(ctx, table, []Row{row}, conflictColumns)
}

// BulkUpsert implements Transport.BulkUpsert.
func (c *HTTP) BulkUpsert(ctx context.Context, table string, rows []Row, conflictColumns []string) error {
	if len(rows) == 0 {
		return nil
	}
	q := url.Values{}
	if len(conflictColumns) > 0 {
		q.Set("on_conflict", strings.Join(conflictColumns, ","))
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=minimal"}
	return c.doJSON(ctx, http.MethodPost, "/rest/v1/"+url.PathEscape(table)+"?"+q.Encode(), headers, rows, nil)
}

type batchRequest struct {
	Owner string `json:"p_client_id"`
	Items []Row  `json:"p_items"`
}

type batchResponse struct {
	Saved int `json:"saved"`
}

// SaveBatch implements BatchSaver.
func (c *HTTP) SaveBatch(ctx context.Context, owner string, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var resp batchResponse
	path := "/rest/v1/rpc/" + url.PathEscape(c.BatchProcedure)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, batchRequest{Owner: owner, Items: rows}, &resp); err != nil {
		return 0, err
	}
	return resp.Saved, nil
}

// Fetch implements Fetcher.
func (c *HTTP) Fetch(ctx context.Context, query Query) ([]Row, error) {
	q := url.Values{}
	q.Set("select", "*")
	if query.OwnerColumn != "" {
		q.Set(query.OwnerColumn, "eq."+query.Owner)
	}
	if query.SinceMillis > 0 {
		q.Set(ColumnUpdatedAt, "gt."+strconv.FormatInt(query.SinceMillis, 10))
	}
	q.Set("order", ColumnUpdatedAt+".asc")
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}

	var rows []Row
	if err := c.doJSON(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(query.Table)+"?"+q.Encode(), nil, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Ping checks that the gateway answers at all. Any HTTP response counts as
// reachable.
func (c *HTTP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *HTTP) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return Permanent(fmt.Errorf("failed to encode request: %w", err))
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.apiKey != "" {
			req.Header.Set("apikey", c.apiKey)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "daysync_" + uuid.NewString()
}

func (c *HTTP) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
