// Package upstream forwards a parsed request to a backend over a fresh TCP
// connection and reads back the response under a single deadline.
package upstream

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gavinshark/gateway/internal/httpmsg"
)

// Error kinds for a failed forward. The orchestrator maps these onto HTTP
// statuses; anything else is an internal error.
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrTimeout     = errors.New("upstream timeout")
	ErrProtocol    = errors.New("upstream protocol error")
)

// Client dials backends per request. No connection reuse: each forward owns
// its socket from dial to close.
type Client struct {
	logger *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// Forward sends req to backendURL and returns the parsed response. The
// timeout is one deadline spanning dial, write and read; it is not re-armed
// per stage. A response arriving after the deadline is discarded with
// ErrTimeout.
func (c *Client) Forward(req *httpmsg.Request, backendURL string, timeout time.Duration) (*httpmsg.Response, error) {
	target, err := parseBackendURL(backendURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	deadline := time.Now().Add(timeout)

	conn, err := net.DialTimeout("tcp", target.hostPort, time.Until(deadline))
	if err != nil {
		return nil, classify(err, "dial "+target.hostPort)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(deadline)

	out := httpmsg.Request{
		Method:  req.Method,
		Path:    joinSlash(target.basePath, req.Path),
		Version: req.Version,
		Header:  req.Header.Clone(),
		Body:    req.Body,
	}
	// the parsed body is held decoded; re-frame a chunked inbound request
	// with an explicit length before it goes back on the wire
	if out.Header.Has("Transfer-Encoding") {
		out.Header.Del("Transfer-Encoding")
		out.Header.Set("Content-Length", strconv.Itoa(len(out.Body)))
	}

	bw := bufio.NewWriter(conn)
	if err := out.WriteTo(bw); err != nil {
		return nil, classify(err, "write request")
	}
	if err := bw.Flush(); err != nil {
		return nil, classify(err, "write request")
	}

	resp, err := httpmsg.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return nil, classify(err, "read response")
	}
	c.logger.Debug("upstream responded", "backend", backendURL, "status", resp.StatusCode)
	return resp, nil
}

// classify buckets a transport failure: elapsed deadline, malformed bytes,
// everything else (refused connection, DNS failure, reset).
func classify(err error, stage string) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, stage, err)
	}
	if errors.Is(err, httpmsg.ErrParse) {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, stage, err)
}

type backendTarget struct {
	hostPort string
	basePath string
}

// parseBackendURL accepts http://host[:port][/basepath]. The scheme must be
// http; the port defaults to 80.
func parseBackendURL(raw string) (backendTarget, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return backendTarget{}, fmt.Errorf("parse backend URL %q: %v", raw, err)
	}
	if u.Scheme != "http" {
		return backendTarget{}, fmt.Errorf("backend URL %q: scheme must be http", raw)
	}
	if u.Hostname() == "" {
		return backendTarget{}, fmt.Errorf("backend URL %q: missing host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	return backendTarget{
		hostPort: net.JoinHostPort(u.Hostname(), port),
		basePath: u.Path,
	}, nil
}

// joinSlash concatenates a base path and a request path without doubling or
// dropping the separator.
func joinSlash(a, b string) string {
	if a == "" {
		return b
	}
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}
