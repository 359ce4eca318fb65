// Package interceptor wraps the host's HTTP fetch primitive: for
// every outbound Anthropic API call it syncs the pool from disk,
// rewrites the request, drives a bounded attempt loop across
// accounts with single-flight token refresh, classifies failures via
// internal/backoff, and scans successful event-stream bodies for
// usage and mid-stream account-specific errors.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/opencode-ai/anthropic-accounts/internal/backoff"
	"github.com/opencode-ai/anthropic-accounts/internal/debug"
	"github.com/opencode-ai/anthropic-accounts/internal/jsonast"
	"github.com/opencode-ai/anthropic-accounts/internal/oauth"
	"github.com/opencode-ai/anthropic-accounts/internal/pool"
	"github.com/opencode-ai/anthropic-accounts/internal/sse"
	"github.com/opencode-ai/anthropic-accounts/internal/store"
	"github.com/opencode-ai/anthropic-accounts/internal/toast"
)

var requiredBetas = []string{"oauth-2025-04-20", "interleaved-thinking-2025-05-14"}

const userAgent = "claude-cli/2.1.2 (external, cli)"

// Interceptor is the request/response pipeline described in §4.5. One
// instance is owned per process. An administrative surface (cmd/acctl)
// loads its own Manager in its own process and shares only the
// accounts file with it.
type Interceptor struct {
	Pool   *pool.Manager
	OAuth  *oauth.Client
	HTTP   *http.Client
	Notify toast.Notifier
	Logger *slog.Logger
	Debug  bool

	// Dumper, when set, captures the outgoing body and outcome of every
	// Do call to disk. A nil Dumper (the default) makes every Session
	// method a no-op, so leaving it unset costs nothing.
	Dumper *debug.Dumper

	sf singleflight.Group

	mu           sync.Mutex
	seenAccounts map[string]bool
}

// New builds an Interceptor. httpClient defaults to http.DefaultClient
// when nil; logger defaults to slog.Default().
func New(p *pool.Manager, oauthClient *oauth.Client, httpClient *http.Client, notifier toast.Notifier, logger *slog.Logger) *Interceptor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		Pool:         p,
		OAuth:        oauthClient,
		HTTP:         httpClient,
		Notify:       notifier,
		Logger:       logger,
		seenAccounts: make(map[string]bool),
	}
}

// errNoEnabledAccounts and errSkipExhausted distinguish the two ways
// GetCurrentAccount can come up empty (§4.5 step 3a).
var (
	errNoEnabledAccounts = errors.New("No enabled Anthropic accounts available")
	errSkipExhausted     = errors.New("No available Anthropic account for request")
	errAllExhausted      = errors.New("All accounts exhausted — no account could serve this request")
)

// Do forwards req to upstream, applying the full interceptor
// pipeline, and returns the response the caller should see.
func (ic *Interceptor) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	requestID := uuid.New().String()
	session := ic.Dumper.NewSession(requestID)
	defer session.Close()

	ic.Pool.SyncActiveIndexFromDisk()

	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			session.Fail(err)
			return nil, fmt.Errorf("interceptor: read request body: %w", err)
		}
		req.Body.Close()
		bodyBytes = b
	}
	rewrittenBody := jsonast.RewriteBody(bodyBytes)
	session.DumpRequest(rewrittenBody)

	targetURL := *req.URL
	if targetURL.Path == "/v1/messages" {
		q := targetURL.Query()
		q.Set("beta", "true")
		targetURL.RawQuery = q.Encode()
	}

	baseHeaders := buildBaseHeaders(req.Header)

	maxAttempts := len(ic.Pool.Accounts())
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	transientSkips := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		acc, ok := ic.Pool.GetCurrentAccount(transientSkips)
		if !ok {
			if !ic.Pool.HasEnabledAccount() {
				session.Fail(errNoEnabledAccounts)
				return nil, errNoEnabledAccounts
			}
			session.Fail(errSkipExhausted)
			return nil, errSkipExhausted
		}
		session.AddTriedAccount(acc.ID)

		if ic.Debug {
			ic.Logger.Debug("interceptor attempt", "request_id", requestID, "account", acc.ID, "attempt", attempt)
		}

		if acc.Access == "" || time.Now().UnixMilli() >= acc.Expires {
			refreshed, err := ic.refresh(ctx, acc)
			if err != nil {
				ic.Pool.MarkFailure(acc.ID)
				if terminalRefreshError(err) {
					ic.Pool.DisableAccount(acc.ID)
					ic.Notify.Error(fmt.Sprintf("%s: authentication failed, account disabled", ic.label(acc)))
				} else {
					transientSkips[acc.ID] = true
				}
				lastErr = err
				continue
			}
			acc.Access = refreshed.AccessToken
			acc.Expires = refreshed.ExpiresAt
			if refreshed.RefreshToken != "" {
				acc.RefreshToken = refreshed.RefreshToken
			}
		}

		ic.maybeToastFirstUse(acc, targetURL.Path, req.Method)

		attemptReq, err := ic.buildUpstreamRequest(ctx, req.Method, &targetURL, baseHeaders, acc.Access, rewrittenBody)
		if err != nil {
			session.Fail(err)
			return nil, err
		}

		resp, err := ic.HTTP.Do(attemptReq)
		if err != nil {
			ic.Pool.MarkFailure(acc.ID)
			transientSkips[acc.ID] = true
			lastErr = err
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
				ic.Pool.MarkFailure(acc.ID)
				transientSkips[acc.ID] = true
				continue
			}

			cls := backoff.Classify(resp.StatusCode, respBody)
			if cls.AccountSpecific {
				if cls.Reason == backoff.AuthFailed {
					ic.Pool.ClearAccessToken(acc.ID)
				}
				var retryAfter *time.Duration
				if cls.Reason != backoff.AuthFailed {
					retryAfter = backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
				}
				ic.Pool.MarkRateLimited(acc.ID, cls.Reason, retryAfter)
				ic.Notify.Warn("account-switch", fmt.Sprintf("%s %s, switching account", ic.label(acc), cls.Reason))
				lastErr = fmt.Errorf("interceptor: account %s failed: status=%d reason=%s", acc.ID, resp.StatusCode, cls.Reason)
				continue
			}

			stripped := jsonast.StripMCPPrefixInPassthrough(respBody)
			resp.Body = io.NopCloser(bytes.NewReader(stripped))
			resp.ContentLength = int64(len(stripped))
			session.SetAccountID(acc.ID)
			session.SetStatusCode(resp.StatusCode)
			session.DumpResponse(stripped)
			session.Success()
			return resp, nil
		}

		ic.Pool.MarkSuccess(acc.ID)
		session.SetAccountID(acc.ID)
		session.SetStatusCode(resp.StatusCode)

		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			idx, _ := ic.Pool.IndexByID(acc.ID)
			resp.Body = newStreamBody(resp.Body, ic.Pool, acc.ID, idx)
			session.Success()
			return resp, nil
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			session.Fail(readErr)
			return nil, readErr
		}
		stripped := jsonast.StripMCPPrefixInPassthrough(respBody)
		resp.Body = io.NopCloser(bytes.NewReader(stripped))
		resp.ContentLength = int64(len(stripped))
		session.DumpResponse(stripped)
		session.Success()
		return resp, nil
	}

	if lastErr != nil {
		session.Fail(lastErr)
		return nil, lastErr
	}
	session.Fail(errAllExhausted)
	return nil, errAllExhausted
}

func (ic *Interceptor) refresh(ctx context.Context, acc store.Account) (oauth.RefreshResult, error) {
	v, err, _ := ic.sf.Do(acc.ID, func() (any, error) {
		result, err := ic.OAuth.Refresh(ctx, acc.RefreshToken)
		if err != nil {
			return oauth.RefreshResult{}, err
		}
		ic.Pool.SetToken(acc.ID, result.AccessToken, result.ExpiresAt, result.RefreshToken)
		return result, nil
	})
	if err != nil {
		return oauth.RefreshResult{}, err
	}
	return v.(oauth.RefreshResult), nil
}

func terminalRefreshError(err error) bool {
	var tokenErr *oauth.TokenError
	if !errors.As(err, &tokenErr) {
		return false
	}
	switch tokenErr.Status {
	case 400, 401, 403:
		return true
	}
	switch tokenErr.ErrorCode {
	case "invalid_grant", "invalid_request":
		return true
	}
	return false
}

func (ic *Interceptor) label(acc store.Account) string {
	if acc.Email != "" {
		return acc.Email
	}
	if idx, ok := ic.Pool.IndexByID(acc.ID); ok {
		return fmt.Sprintf("Account %d", idx+1)
	}
	return "Account"
}

// maybeToastFirstUse emits the "Claude: <label> (<i>/<n>)" info toast
// the first time this process forwards a /v1/messages POST for a
// given account.
func (ic *Interceptor) maybeToastFirstUse(acc store.Account, path, method string) {
	if path != "/v1/messages" || method != http.MethodPost {
		return
	}

	ic.mu.Lock()
	if ic.seenAccounts[acc.ID] {
		ic.mu.Unlock()
		return
	}
	ic.seenAccounts[acc.ID] = true
	ic.mu.Unlock()

	enabled := ic.Pool.EnabledCount()
	label := ic.label(acc)
	if enabled <= 1 {
		ic.Notify.Info(fmt.Sprintf("Claude: %s", label))
		return
	}
	idx, _ := ic.Pool.IndexByID(acc.ID)
	ic.Notify.Info(fmt.Sprintf("Claude: %s (%d/%d)", label, idx+1, enabled))
}

// buildBaseHeaders computes the headers shared across every attempt
// of one request: everything except Authorization, which varies per
// selected account.
func buildBaseHeaders(in http.Header) http.Header {
	h := in.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("User-Agent", userAgent)
	h.Del("X-Api-Key")
	h.Set("Anthropic-Beta", mergeBetas(in.Get("Anthropic-Beta")))
	h.Del("Authorization")
	return h
}

func mergeBetas(existing string) string {
	seen := make(map[string]bool, len(requiredBetas))
	out := make([]string, 0, len(requiredBetas)+2)
	for _, b := range requiredBetas {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, b := range strings.Split(existing, ",") {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return strings.Join(out, ",")
}

func (ic *Interceptor) buildUpstreamRequest(ctx context.Context, method string, u fmt.Stringer, base http.Header, accessToken string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("interceptor: build upstream request: %w", err)
	}
	req.Header = base.Clone()
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.ContentLength = int64(len(body))
	return req, nil
}

// usageFields decodes an Anthropic usage object permissively: absent
// fields stay nil so message_start's "only fill zero fields" rule can
// be distinguished from an explicit zero.
type usageFields struct {
	InputTokens              *int64 `json:"input_tokens"`
	OutputTokens             *int64 `json:"output_tokens"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens"`
}

func applyMessageStart(running *pool.Usage, u usageFields) {
	if u.InputTokens != nil && running.InputTokens == 0 {
		running.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil && running.OutputTokens == 0 {
		running.OutputTokens = *u.OutputTokens
	}
	if u.CacheReadInputTokens != nil && running.CacheReadTokens == 0 {
		running.CacheReadTokens = *u.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens != nil && running.CacheWriteTokens == 0 {
		running.CacheWriteTokens = *u.CacheCreationInputTokens
	}
}

func applyMessageDelta(running *pool.Usage, u usageFields) {
	if u.InputTokens != nil {
		running.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil {
		running.OutputTokens = *u.OutputTokens
	}
	if u.CacheReadInputTokens != nil {
		running.CacheReadTokens = *u.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens != nil {
		running.CacheWriteTokens = *u.CacheCreationInputTokens
	}
}

func usageIsZero(u pool.Usage) bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// streamBody wraps an upstream text/event-stream body: it scans
// frames via internal/sse, extracts usage, detects a mid-stream
// account-specific error once per stream, strips the mcp_ prefix from
// passthrough bytes, and forwards everything else byte for byte.
type streamBody struct {
	upstream  io.ReadCloser
	scanner   *sse.Scanner
	mgr       *pool.Manager
	accountID string
	index     int

	pending []byte
	eof     bool
	done    bool

	running        pool.Usage
	markedFailover bool
}

func newStreamBody(upstream io.ReadCloser, mgr *pool.Manager, accountID string, index int) *streamBody {
	return &streamBody{
		upstream:  upstream,
		scanner:   sse.NewScanner(),
		mgr:       mgr,
		accountID: accountID,
		index:     index,
	}
}

func (sb *streamBody) Read(p []byte) (int, error) {
	buf := make([]byte, 32*1024)
	for len(sb.pending) == 0 && !sb.eof {
		n, err := sb.upstream.Read(buf)
		if n > 0 {
			frames := sb.scanner.Feed(buf[:n])
			for _, f := range frames {
				sb.handleFrame(f)
				sb.pending = append(sb.pending, jsonast.StripMCPPrefixInPassthrough(f.Raw)...)
			}
		}
		if err != nil {
			sb.eof = true
			if errors.Is(err, io.EOF) {
				if rem := sb.scanner.Remaining(); len(rem) > 0 {
					sb.pending = append(sb.pending, jsonast.StripMCPPrefixInPassthrough(rem)...)
				}
				sb.finish()
				break
			}
			return 0, err
		}
	}

	if len(sb.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, sb.pending)
	sb.pending = sb.pending[n:]
	return n, nil
}

func (sb *streamBody) Close() error {
	return sb.upstream.Close()
}

func (sb *streamBody) finish() {
	if sb.done {
		return
	}
	sb.done = true
	if usageIsZero(sb.running) {
		return
	}
	if idx, ok := sb.mgr.IndexByID(sb.accountID); ok {
		sb.mgr.RecordUsage(idx, sb.running)
		return
	}
	sb.mgr.RecordUsage(sb.index, sb.running)
}

func (sb *streamBody) handleFrame(f sse.Frame) {
	switch f.Type {
	case "message_start":
		var payload struct {
			Message struct {
				Usage usageFields `json:"usage"`
			} `json:"message"`
		}
		if json.Unmarshal(f.Data, &payload) == nil {
			applyMessageStart(&sb.running, payload.Message.Usage)
		}
	case "message_delta":
		var payload struct {
			Usage usageFields `json:"usage"`
		}
		if json.Unmarshal(f.Data, &payload) == nil {
			applyMessageDelta(&sb.running, payload.Usage)
		}
	case "error":
		sb.handleErrorEvent(f.Data)
	}
}

func (sb *streamBody) handleErrorEvent(data []byte) {
	if sb.markedFailover {
		return
	}
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return
	}

	asStatus400Body, err := json.Marshal(map[string]any{
		"error": map[string]string{
			"type":    payload.Error.Type,
			"message": payload.Error.Message,
		},
	})
	if err != nil {
		return
	}

	cls := backoff.Classify(400, asStatus400Body)
	if !cls.AccountSpecific {
		return
	}

	sb.markedFailover = true
	if cls.Reason == backoff.AuthFailed {
		sb.mgr.ClearAccessToken(sb.accountID)
	}
	sb.mgr.MarkRateLimited(sb.accountID, cls.Reason, nil)
}
