package capability

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

// HTTPRequest is the input of the safehttp request operation.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	// Body is sent as is when it is a string; any other non-nil value is
	// sent as JSON with a JSON content type.
	Body    any `json:"body"`
	Timeout int `json:"timeout"` // seconds, capped by Config.HTTPTimeout
}

// HTTPResponse is the result of the safehttp request operation.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Data    string            `json:"data"`
}

// ErrPrivateNetwork is returned for requests that resolve to a private,
// loopback or otherwise internal address.
var ErrPrivateNetwork = errors.New("Request to private/internal network not allowed")

// forbiddenHeaders cannot be set by task code.
var forbiddenHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"accept-encoding":     true,
}

var blockedPrefixes = func() []netip.Prefix {
	var out []netip.Prefix
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"224.0.0.0/4", "240.0.0.0/4",
		"::/128", "::1/128", "fc00::/7", "fe80::/10", "ff00::/8",
	} {
		out = append(out, netip.MustParsePrefix(cidr))
	}
	return out
}()

// IsBlockedAddr reports whether addr is in a private or special-use range.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Request performs one outbound HTTP request on behalf of the task.
func (s *Session) Request(req HTTPRequest) (*HTTPResponse, error) {
	s.mu.Lock()
	s.httpCount++
	count := s.httpCount
	s.mu.Unlock()
	if count > s.cfg.MaxHTTPRequests {
		return nil, fmt.Errorf("Request limit exceeded: max %d", s.cfg.MaxHTTPRequests)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("Protocol %s: not allowed", u.Scheme)
	}
	host, err := idna.Lookup.ToASCII(u.Hostname())
	if err != nil || host == "" {
		return nil, fmt.Errorf("invalid host %q", u.Hostname())
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}

	timeout := s.cfg.HTTPTimeout
	if req.Timeout > 0 {
		timeout = min(timeout, time.Duration(req.Timeout)*time.Second)
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	for k, v := range req.Headers {
		if forbiddenHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, br")

	s.logger.Debug("safehttp request", zap.String("method", method), zap.String("host", host))
	resp, err := s.httpClient().Do(httpReq)
	if err != nil {
		if errors.Is(err, ErrPrivateNetwork) {
			return nil, ErrPrivateNetwork
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(reader, s.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxResponseBytes {
		return nil, errors.New("Response too large")
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &HTTPResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Data:    strings.ToValidUTF8(string(data), "�"),
	}, nil
}

func (s *Session) httpClient() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		transport := &http.Transport{
			Proxy:                 nil,
			DialContext:           s.dialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: s.cfg.HTTPTimeout,
			DisableCompression:    true,
		}
		s.client = &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("stopped after 5 redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("Protocol %s: not allowed", req.URL.Scheme)
				}
				return nil
			},
		}
	}
	return s.client
}

// dialContext resolves the host and validates every resolved address at
// connect time, so a redirect or a rebinding DNS answer cannot reach an
// internal address.
func (s *Session) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed: %w", err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("DNS resolution failed: no addresses for %s", host)
	}
	if !s.cfg.AllowPrivateNetwork {
		for _, ip := range ips {
			if IsBlockedAddr(ip) {
				return nil, ErrPrivateNetwork
			}
		}
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].Unmap().String(), port))
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		r, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		return r, nil
	case "br":
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
