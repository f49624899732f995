// Package authclient keeps an outbound HTTP pipeline authenticated across access token expiry.
//
// On a 401 the Transport performs at most one refresh exchange and replays the original request
// once with the new token. A failed exchange clears the local session and the caller receives the
// original 401.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bizhub/realtime/internal/logging"
)

var (
	// ErrNoRefreshToken is recorded when a 401 arrives and no refresh token is held.
	ErrNoRefreshToken = errors.New("authclient: no refresh token")
	// ErrRefreshRejected means the refresh endpoint answered with a non-2xx status or no access token.
	ErrRefreshRejected = errors.New("authclient: refresh rejected")
)

const (
	maxRefreshResponse = 64 << 10
	// DefaultRefreshTimeout bounds a refresh exchange when Transport.RefreshTimeout is unset.
	DefaultRefreshTimeout = 15 * time.Second
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Transport is an http.RoundTripper that attaches the held access token and recovers from a 401
// with a single refresh exchange and a single replay.
type Transport struct {
	// Base sends requests, including the refresh exchange. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// Store holds the credentials. Required.
	Store Store
	// RefreshURL is the refresh exchange endpoint. Required.
	RefreshURL string
	// OnLogout runs after a forced logout has cleared Store.
	OnLogout func(cause error)
	// RefreshTimeout bounds the shared exchange independently of any caller's deadline.
	RefreshTimeout time.Duration
	Logger         *zap.Logger

	group singleflight.Group
}

// NewClient returns an *http.Client whose requests go through a Transport.
func NewClient(store Store, refreshURL string, onLogout func(error), logger *zap.Logger) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &Transport{
			Store:      store,
			RefreshURL: refreshURL,
			OnLogout:   onLogout,
			Logger:     logger,
		},
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) log() *zap.Logger {
	return logging.OrNop(t.Logger).Named("authclient")
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	creds := t.Store.Load(ctx)
	resp, err := t.send(req, body, creds.AccessToken)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if creds.RefreshToken == "" {
		t.logout(ctx, ErrNoRefreshToken)
		return resp, nil
	}
	access, err := t.refresh(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			drain(resp)
			return nil, ctx.Err()
		}
		return resp, nil
	}
	drain(resp)
	return t.send(req, body, access)
}

func (t *Transport) send(req *http.Request, body []byte, access string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		out.ContentLength = int64(len(body))
	}
	if access != "" {
		out.Header.Set("Authorization", "Bearer "+access)
	}
	return t.base().RoundTrip(out)
}

// refresh returns a usable access token. Callers that saw a 401 for the same token pair share one
// exchange, which runs detached from every caller's context. A caller whose context ends stops
// waiting without affecting the exchange.
func (t *Transport) refresh(ctx context.Context, sent Credentials) (string, error) {
	if access, ok, err := t.settled(ctx, sent); ok {
		return access, err
	}
	ch := t.group.DoChan(sent.RefreshToken, func() (any, error) {
		return t.exchangeShared(context.WithoutCancel(ctx), sent)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (t *Transport) exchangeShared(ctx context.Context, sent Credentials) (string, error) {
	if access, ok, err := t.settled(ctx, sent); ok {
		return access, err
	}
	timeout := t.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	exCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := t.exchange(exCtx, sent.RefreshToken)
	if err != nil {
		t.logout(ctx, err)
		return "", err
	}
	next := Credentials{AccessToken: res.AccessToken, RefreshToken: sent.RefreshToken}
	if res.RefreshToken != "" {
		next.RefreshToken = res.RefreshToken
	}
	t.Store.Save(ctx, next)
	t.log().Debug("access token refreshed")
	return res.AccessToken, nil
}

// settled reports whether another request already resolved the 401 seen with sent: either a newer
// access token is stored or the session has been cleared.
func (t *Transport) settled(ctx context.Context, sent Credentials) (string, bool, error) {
	cur := t.Store.Load(ctx)
	switch {
	case cur.AccessToken == "" && cur.RefreshToken == "":
		return "", true, ErrNoRefreshToken
	case cur.AccessToken != "" && cur.AccessToken != sent.AccessToken:
		return cur.AccessToken, true, nil
	}
	return "", false, nil
}

func (t *Transport) exchange(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.RefreshURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("refresh exchange: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	}
	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRefreshResponse)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access_token", ErrRefreshRejected)
	}
	return &out, nil
}

func (t *Transport) logout(ctx context.Context, cause error) {
	t.Store.Clear(ctx)
	t.log().Info("session cleared", zap.Error(cause))
	if t.OnLogout != nil {
		t.OnLogout(cause)
	}
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return b, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRefreshResponse))
	_ = resp.Body.Close()
}
