package tests

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gavinshark/gateway/internal/config"
	"github.com/gavinshark/gateway/internal/gateway"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func writeConfig(t *testing.T, fp, doc string) {
	t.Helper()
	if err := os.WriteFile(fp, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// startGateway loads the config file and runs a gateway on it for the test's
// lifetime.
func startGateway(t *testing.T, fp string, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()
	cfg, err := config.Load(fp)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	g := gateway.New(cfg, fp, opts...)
	if err := g.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func httpGet(t *testing.T, base, path string) (*http.Response, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Get(base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, string(body)
}

func TestScenario_PrefixRouteProxied(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer up.Close()

	port := freePort(t)
	fp := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/api", "match_type": "prefix", "backends": ["%s"]}]
}`, port, up.URL))

	g := startGateway(t, fp)
	base := "http://" + g.Addr().String()

	res, body := httpGet(t, base, "/api/users")
	if res.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", res.StatusCode)
	}
	if body != "hello" {
		t.Fatalf("body: got %q, want hello", body)
	}
}

func TestScenario_RouteMiss404(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer up.Close()

	port := freePort(t)
	fp := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/api", "match_type": "prefix", "backends": ["%s"]}]
}`, port, up.URL))

	g := startGateway(t, fp)
	base := "http://" + g.Addr().String()

	res, body := httpGet(t, base, "/other")
	if res.StatusCode != 404 {
		t.Fatalf("status: got %d, want 404", res.StatusCode)
	}
	if body != "Not Found" {
		t.Fatalf("body: got %q, want Not Found", body)
	}
	if got := res.Header.Get("Content-Type"); got != "text/plain" {
		t.Fatalf("content type: got %q, want text/plain", got)
	}
}

func taggedUpstream(tag string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-ID", tag)
		w.WriteHeader(200)
	}))
}

func TestScenario_RoundRobinSequence(t *testing.T) {
	up1 := taggedUpstream("u1")
	defer up1.Close()
	up2 := taggedUpstream("u2")
	defer up2.Close()

	port := freePort(t)
	fp := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/a", "match_type": "prefix", "backends": ["%s", "%s"]}]
}`, port, up1.URL, up2.URL))

	g := startGateway(t, fp)
	base := "http://" + g.Addr().String()

	want := []string{"u1", "u2", "u1"}
	for i, w := range want {
		res, _ := httpGet(t, base, "/a")
		if got := res.Header.Get("X-Upstream-ID"); got != w {
			t.Errorf("request %d: hit %q, want %q", i, got, w)
		}
	}
}

func TestScenario_FailedBackendMarkedAndSkipped(t *testing.T) {
	// up1 is dead: port grabbed and released so connects are refused
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := "http://" + deadLn.Addr().String()
	_ = deadLn.Close()

	up2 := taggedUpstream("u2")
	defer up2.Close()

	port := freePort(t)
	fp := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/a", "match_type": "prefix", "backends": ["%s", "%s"]}]
}`, port, dead, up2.URL))

	g := startGateway(t, fp)
	base := "http://" + g.Addr().String()

	res, body := httpGet(t, base, "/a")
	if res.StatusCode != 502 {
		t.Fatalf("first request: got %d, want 502", res.StatusCode)
	}
	if body != "Bad Gateway" {
		t.Fatalf("body: got %q, want Bad Gateway", body)
	}

	// the dead backend is out of rotation now
	for i := 0; i < 3; i++ {
		res, _ := httpGet(t, base, "/a")
		if res.StatusCode != 200 {
			t.Fatalf("failover request %d: got %d, want 200", i, res.StatusCode)
		}
		if got := res.Header.Get("X-Upstream-ID"); got != "u2" {
			t.Fatalf("failover request %d: hit %q, want u2", i, got)
		}
	}
}

func TestScenario_BlackHoleUpstream504(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn // accept and never respond
		}
	}()
	slow := "http://" + ln.Addr().String()

	port := freePort(t)
	fp := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "backend_timeout_ms": 200,
  "routes": [{"path_pattern": "/x", "match_type": "prefix", "backends": ["%s"]}]
}`, port, slow))

	g := startGateway(t, fp)
	base := "http://" + g.Addr().String()

	start := time.Now()
	res, body := httpGet(t, base, "/x")
	elapsed := time.Since(start)

	if res.StatusCode != 504 {
		t.Fatalf("status: got %d, want 504", res.StatusCode)
	}
	if body != "Gateway Timeout" {
		t.Fatalf("body: got %q", body)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("response took %v, want within ~200-500ms", elapsed)
	}
}

func TestScenario_HotReloadSwitchesRoutes(t *testing.T) {
	up1 := taggedUpstream("u1")
	defer up1.Close()
	up2 := taggedUpstream("u2")
	defer up2.Close()

	port := freePort(t)
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/a", "match_type": "prefix", "backends": ["%s"]}]
}`, port, up1.URL))

	g := startGateway(t, fp, gateway.WithWatchInterval(50*time.Millisecond))
	g.EnableHotReload()
	base := "http://" + g.Addr().String()

	if res, _ := httpGet(t, base, "/a"); res.StatusCode != 200 {
		t.Fatalf("before reload: got %d, want 200", res.StatusCode)
	}

	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/b", "match_type": "prefix", "backends": ["%s"]}]
}`, port, up2.URL))
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(fp, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// wait for the watcher to pick up the change
	deadline := time.Now().Add(5 * time.Second)
	reloaded := false
	for time.Now().Before(deadline) {
		res, _ := httpGet(t, base, "/b")
		if res.StatusCode == 200 && res.Header.Get("X-Upstream-ID") == "u2" {
			reloaded = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !reloaded {
		t.Fatal("gateway never served the new route")
	}

	if res, _ := httpGet(t, base, "/a"); res.StatusCode != 404 {
		t.Fatalf("old route after reload: got %d, want 404", res.StatusCode)
	}
}

func TestScenario_ChunkedUpstreamResponse(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no Content-Length plus a flush forces chunked encoding upstream
		_, _ = w.Write([]byte("first "))
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte("second"))
	}))
	defer up.Close()

	port := freePort(t)
	fp := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/c", "match_type": "prefix", "backends": ["%s"]}]
}`, port, up.URL))

	g := startGateway(t, fp)
	base := "http://" + g.Addr().String()

	res, body := httpGet(t, base, "/c")
	if res.StatusCode != 200 {
		t.Fatalf("status: got %d, want 200", res.StatusCode)
	}
	if body != "first second" {
		t.Fatalf("body: got %q, want %q", body, "first second")
	}
	// the gateway buffers the decoded body and re-frames it with a length
	if got := res.Header.Get("Content-Length"); got != "12" {
		t.Fatalf("Content-Length: got %q, want 12", got)
	}
}

func TestScenario_InvalidReloadKeepsServing(t *testing.T) {
	up1 := taggedUpstream("u1")
	defer up1.Close()

	port := freePort(t)
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.json")
	writeConfig(t, fp, fmt.Sprintf(`{
  "listen_port": %d,
  "routes": [{"path_pattern": "/a", "match_type": "prefix", "backends": ["%s"]}]
}`, port, up1.URL))

	g := startGateway(t, fp, gateway.WithWatchInterval(50*time.Millisecond))
	g.EnableHotReload()
	base := "http://" + g.Addr().String()

	writeConfig(t, fp, `{"listen_port": 0, "routes": []}`)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(fp, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	// the bad document was rejected; the old snapshot still routes
	res, _ := httpGet(t, base, "/a")
	if res.StatusCode != 200 {
		t.Fatalf("after invalid reload: got %d, want 200", res.StatusCode)
	}
	if got := res.Header.Get("X-Upstream-ID"); got != "u1" {
		t.Fatalf("after invalid reload: hit %q, want u1", got)
	}
}
