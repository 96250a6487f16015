// Package proxy serves deployed sites by mapping the leftmost host label to a
// project and forwarding to that project's prefix on the object storage origin.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

const (
	defaultUpstreamTimeout = 3 * time.Second
	indexDocument          = "/index.html"
)

// HealthChecker reports whether the origin is usable.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Options tunes the Handler.
type Options struct {
	UpstreamTimeout time.Duration
	// HealthPath is answered by the proxy itself on every host.
	HealthPath string
	Probe      HealthChecker
	Transport  http.RoundTripper
}

type targetKey struct{}

// Handler resolves then forwards each request. Resolution failures never reach
// the origin.
type Handler struct {
	resolver   *Resolver
	origin     *url.URL
	proxy      *httputil.ReverseProxy
	logger     *slog.Logger
	healthPath string
	probe      HealthChecker
}

// NewHandler builds a Handler forwarding to originBaseURL.
func NewHandler(resolver *Resolver, originBaseURL string, logger *slog.Logger, opts Options) (*Handler, error) {
	origin, err := url.Parse(strings.TrimRight(strings.TrimSpace(originBaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid origin url: %q", originBaseURL)
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.Transport == nil {
		opts.Transport = upstreamTransport(opts.UpstreamTimeout)
	}
	h := &Handler{
		resolver:   resolver,
		origin:     origin,
		logger:     logger.With("component", "proxy"),
		healthPath: opts.HealthPath,
		probe:      opts.Probe,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		Transport:    opts.Transport,
		ErrorHandler: h.upstreamError,
		ModifyResponse: func(resp *http.Response) error {
			requestTotal.WithLabelValues("forwarded").Inc()
			return nil
		},
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if h.healthPath != "" && req.URL.Path == h.healthPath {
		h.serveHealth(w, req)
		return
	}

	subdomain := RoutingKey(req.Host)
	target, err := h.resolver.Resolve(req.Context(), subdomain)
	if err != nil {
		if errors.Is(err, ErrUnknownSubdomain) {
			requestTotal.WithLabelValues("unknown_subdomain").Inc()
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "no deployment for " + subdomain})
			return
		}
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("client went away during subdomain resolution", "subdomain", subdomain)
			return
		}
		requestTotal.WithLabelValues("resolve_error").Inc()
		h.logger.Error("subdomain resolution failed", "subdomain", subdomain, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad_gateway"})
		return
	}

	start := time.Now()
	h.proxy.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), targetKey{}, target)))
	upstreamLatency.Observe(time.Since(start).Seconds())
}

// rewrite maps /<path> on the subdomain to <origin>/<projectId>/<path>.
func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(targetKey{}).(Target)
	if pr.Out.URL.Path == "" || pr.Out.URL.Path == "/" {
		pr.Out.URL.Path = indexDocument
		pr.Out.URL.RawPath = ""
	}
	base := *h.origin
	base.Path = h.origin.Path + "/" + url.PathEscape(target.ProjectID)
	base.RawPath = ""
	pr.SetURL(&base)
	pr.SetXForwarded()
}

func (h *Handler) upstreamError(w http.ResponseWriter, req *http.Request, err error) {
	target, _ := req.Context().Value(targetKey{}).(Target)
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client went away before origin replied", "subdomain", target.Subdomain, "path", req.URL.Path)
		return
	}
	requestTotal.WithLabelValues("upstream_error").Inc()
	h.logger.Error("origin request failed",
		"subdomain", target.Subdomain,
		"project_id", target.ProjectID,
		"path", req.URL.Path,
		"error", err,
	)
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad_gateway"})
}

func (h *Handler) serveHealth(w http.ResponseWriter, req *http.Request) {
	if h.probe != nil {
		if err := h.probe.Check(req.Context()); err != nil {
			h.logger.Warn("origin health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RoutingKey returns the lower-cased leftmost label of host, without port.
func RoutingKey(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		host = host[:idx]
	}
	return strings.ToLower(host)
}

func upstreamTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
