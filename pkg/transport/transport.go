// Package transport talks to the DFR server over signed HTTP requests.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/itohio/dfrnode/pkg/auth"
	"github.com/itohio/dfrnode/pkg/config"
	"github.com/itohio/dfrnode/pkg/errcode"
)

// Request headers.
const (
	HeaderDevice    = "X-DFR-Device"
	HeaderTimestamp = "X-DFR-Timestamp"
	HeaderSignature = "X-DFR-Signature"
	HeaderRequestID = "X-Request-ID"
)

// maxResponseBody bounds JSON responses.
const maxResponseBody = 1 << 20

// Transport is the device's view of the server.
type Transport interface {
	// PostJSON sends body as JSON and decodes the response into out (if non-nil).
	PostJSON(ctx context.Context, path string, body, out any) error
	// GetJSON issues a GET with the query and decodes the response into out.
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	// Download fetches rawURL, failing if the body exceeds limit bytes.
	Download(ctx context.Context, rawURL string, limit int64) ([]byte, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code >= 500:
		return true
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err is a server rejection that retrying will not fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !se.Temporary()
}

// HTTP is a Transport over net/http. Every request is signed with the shared
// secret so the server can attribute it to this device.
type HTTP struct {
	base     *url.URL
	deviceID string
	signer   auth.Signer
	client   *http.Client
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates a transport for the configured server.
func NewHTTP(cfg *config.Config, deviceID string, signer auth.Signer, log *zap.Logger) (*HTTP, error) {
	if signer == nil {
		return nil, fmt.Errorf("nil signer")
	}
	if log == nil {
		log = zap.NewNop()
	}

	base, err := BaseURL(&cfg.Server)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.Network.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.Network.ConnectTimeout,
	}

	return &HTTP{
		base:     base,
		deviceID: deviceID,
		signer:   signer,
		client:   &http.Client{Transport: tr},
		timeout:  cfg.Server.RequestTimeout,
		log:      log.With(zap.String("component", "transport")),
		now:      time.Now,
	}, nil
}

// BaseURL builds the server base URL from config.
func BaseURL(cfg *config.ServerConfig) (*url.URL, error) {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := cfg.Host
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	u, err := url.Parse(scheme + "://" + host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server address: %w", err)
	}
	u.Path = "/" + strings.Trim(cfg.BasePath, "/")
	return u, nil
}

// PostJSON implements Transport.
func (h *HTTP) PostJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errcode.New(errcode.Error, "post "+path, fmt.Errorf("failed to encode body: %w", err))
	}
	return h.do(ctx, http.MethodPost, h.endpoint(path, nil), data, out)
}

// GetJSON implements Transport.
func (h *HTTP) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return h.do(ctx, http.MethodGet, h.endpoint(path, query), nil, out)
}

// Download implements Transport. A relative rawURL is resolved against the base URL.
func (h *HTTP) Download(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	u, err := h.base.Parse(rawURL)
	if err != nil {
		return nil, errcode.New(errcode.Rejected, "download", fmt.Errorf("invalid firmware url %q: %w", rawURL, err))
	}

	req, err := h.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classify("download", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(req, resp); err != nil {
		return nil, errcode.New(errcode.Transport, "download", err)
	}
	if resp.ContentLength > limit {
		return nil, errcode.New(errcode.TooLarge, "download", fmt.Errorf("image is %d bytes, limit %d", resp.ContentLength, limit))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, classify("download", err)
	}
	if int64(len(data)) > limit {
		return nil, errcode.New(errcode.TooLarge, "download", fmt.Errorf("image exceeds %d bytes", limit))
	}
	return data, nil
}

func (h *HTTP) endpoint(path string, query url.Values) *url.URL {
	u := *h.base
	u.Path = strings.TrimSuffix(h.base.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return &u
}

func (h *HTTP) do(ctx context.Context, method string, u *url.URL, body []byte, out any) error {
	op := strings.ToLower(method) + " " + u.Path

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := h.newRequest(ctx, method, u, body)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(req, resp); err != nil {
		return errcode.New(errcode.Transport, op, err)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return errcode.New(errcode.Rejected, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (h *HTTP) newRequest(ctx context.Context, method string, u *url.URL, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, errcode.New(errcode.Error, strings.ToLower(method)+" "+u.Path, err)
	}

	ts := h.now().Unix()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "dfrnode")
	req.Header.Set(HeaderDevice, h.deviceID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderRequestID, uuid.NewString())
	req.Header.Set(HeaderSignature, h.signer.Sign(auth.RequestPayload(method, u.Path, ts, body)))
	return req, nil
}

func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: req.Method,
		Path:   req.URL.Path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(b)),
	}
}

// classify maps client errors onto error codes.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errcode.New(errcode.Canceled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errcode.New(errcode.Timeout, op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return errcode.New(errcode.Timeout, op, err)
	}
	return errcode.New(errcode.Transport, op, err)
}
