package environment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/perbu/harreplay/pkg/events"
	"github.com/perbu/harreplay/pkg/fabric"
	"github.com/perbu/harreplay/pkg/freeport"
	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/replay"
	"github.com/perbu/harreplay/pkg/topology"
	"github.com/perbu/harreplay/pkg/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func makeEntry(t *testing.T, index int, rawURL, ip, body string) trace.Entry {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", rawURL, err)
	}
	o, err := trace.OriginOf(u)
	if err != nil {
		t.Fatalf("OriginOf(%q) error = %v", rawURL, err)
	}
	return trace.Entry{
		Index:    index,
		Method:   "GET",
		URL:      rawURL,
		Origin:   o,
		Path:     trace.RequestPath(u),
		Status:   200,
		Content:  trace.Content{Text: body, Size: int64(len(body))},
		ServerIP: ip,
	}
}

// twoServers is a trace with two unrelated server instances.
func twoServers(t *testing.T) *trace.Trace {
	entries := []trace.Entry{
		makeEntry(t, 0, "http://a.example/x", "10.0.0.1", "A1"),
		makeEntry(t, 1, "http://b.example/y", "10.0.0.2", "B1"),
		makeEntry(t, 2, "http://a.example/x", "10.0.0.1", "A2"),
		makeEntry(t, 3, "http://b.example/y", "10.0.0.2", "B2"),
	}
	return &trace.Trace{Entries: entries, Total: len(entries)}
}

func newEnv(t *testing.T, f fabric.Fabric) *Environment {
	t.Helper()
	env, err := New(Config{
		Fabric:  f,
		Logger:  testLogger(),
		Metrics: metrics.New(),
		Broker:  events.NewBroker(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { env.Close(context.Background()) })
	return env
}

// addrOf returns the listen address serving id in the active trace.
func addrOf(t *testing.T, env *Environment, id string) string {
	t.Helper()
	for _, c := range env.Status().Clusters {
		if addr, ok := c.Listeners[id]; ok {
			return addr
		}
	}
	t.Fatalf("no listener for %s", id)
	return ""
}

func get(t *testing.T, addr, host, path string) (int, string) {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Host = host
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s%s error = %v", host, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestEnvironment_InstallAndReset(t *testing.T) {
	env := newEnv(t, &fabric.Loopback{})
	if err := env.Install(context.Background(), twoServers(t), "test"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	st := env.Status()
	if !st.Installed || len(st.Clusters) != 2 || st.Entries != 4 {
		t.Fatalf("Status() = %+v, want 2 clusters and 4 entries", st)
	}
	epoch := st.Epoch

	addrA := addrOf(t, env, "http://10.0.0.1:80")
	addrB := addrOf(t, env, "http://10.0.0.2:80")

	if code, body := get(t, addrA, "a.example", "/x"); code != 200 || body != "A1" {
		t.Errorf("GET a/x = %d %q, want 200 A1", code, body)
	}
	if code, body := get(t, addrB, "b.example", "/y"); code != 200 || body != "B1" {
		t.Errorf("GET b/y = %d %q, want 200 B1", code, body)
	}
	// Clusters do not share origins.
	if code, _ := get(t, addrA, "b.example", "/y"); code != http.StatusMisdirectedRequest {
		t.Errorf("GET b/y on a's listener = %d, want 421", code)
	}

	res, err := env.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if res.Epoch == "" || res.Epoch == epoch {
		t.Errorf("Reset() epoch = %q, want a new epoch (was %q)", res.Epoch, epoch)
	}

	for _, tc := range []struct{ addr, host, path, want string }{
		{addrA, "a.example", "/x", "A1"},
		{addrB, "b.example", "/y", "B1"},
		{addrB, "b.example", "/y", "B2"},
	} {
		if code, body := get(t, tc.addr, tc.host, tc.path); code != 200 || body != tc.want {
			t.Errorf("GET %s%s after Reset = %d %q, want 200 %q", tc.host, tc.path, code, body, tc.want)
		}
	}
}

func TestEnvironment_ResetWithoutTrace(t *testing.T) {
	env := newEnv(t, &fabric.Loopback{})
	if _, err := env.Reset(); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("Reset() error = %v, want ErrNotInstalled", err)
	}
	if st := env.Status(); st.Installed || len(st.Clusters) != 0 {
		t.Errorf("Status() = %+v, want nothing installed", st)
	}
	if env.Topology() != nil {
		t.Error("Topology() != nil before install")
	}
}

func TestEnvironment_InstallReplaces(t *testing.T) {
	env := newEnv(t, &fabric.Loopback{})
	ctx := context.Background()
	if err := env.Install(ctx, twoServers(t), "first"); err != nil {
		t.Fatalf("Install(first) error = %v", err)
	}
	oldAddr := addrOf(t, env, "http://10.0.0.1:80")

	second := &trace.Trace{Entries: []trace.Entry{
		makeEntry(t, 0, "http://c.example/z", "10.0.0.3", "C1"),
	}}
	if err := env.Install(ctx, second, "second"); err != nil {
		t.Fatalf("Install(second) error = %v", err)
	}

	st := env.Status()
	if st.Source != "second" || len(st.Clusters) != 1 {
		t.Fatalf("Status() = %+v, want only the second trace", st)
	}
	// The old port is either closed or reused by the second trace, which
	// does not know a.example.
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: time.Second}
	req, _ := http.NewRequest(http.MethodGet, "http://"+oldAddr+"/x", nil)
	req.Host = "a.example"
	if resp, err := client.Do(req); err == nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusMisdirectedRequest {
			t.Errorf("GET a/x on old address = %d, want connection failure or 421", resp.StatusCode)
		}
	}
	addr := addrOf(t, env, "http://10.0.0.3:80")
	if code, body := get(t, addr, "c.example", "/z"); code != 200 || body != "C1" {
		t.Errorf("GET c/z = %d %q, want 200 C1", code, body)
	}
}

// fixedFabric hands out preset bindings.
type fixedFabric struct {
	bindings fabric.Bindings
}

func (f *fixedFabric) Apply(context.Context, *topology.Topology) (fabric.Bindings, error) {
	return f.bindings, nil
}

func (f *fixedFabric) Teardown(context.Context) error { return nil }

func TestEnvironment_InstallRollsBack(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer busy.Close()

	free, err := freeport.Addr("127.0.0.1")
	if err != nil {
		t.Fatalf("freeport.Addr() error = %v", err)
	}
	tr := twoServers(t)
	f := &fixedFabric{bindings: fabric.Bindings{
		topology.IdentityOf(tr.Entries[0]): free,
		topology.IdentityOf(tr.Entries[1]): busy.Addr().String(),
	}}

	env := newEnv(t, f)
	if err := env.Install(context.Background(), tr, "test"); err == nil {
		t.Fatal("Install() succeeded with an address in use")
	}
	if env.Status().Installed {
		t.Error("Status().Installed = true after failed install")
	}

	ln, err := net.Listen("tcp", free)
	if err != nil {
		t.Fatalf("address %s still held after failed install: %v", free, err)
	}
	ln.Close()
}

func TestEnvironment_InBandResetRewindsAllClusters(t *testing.T) {
	env := newEnv(t, &fabric.Loopback{})
	if err := env.Install(context.Background(), twoServers(t), "test"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	addrA := addrOf(t, env, "http://10.0.0.1:80")
	addrB := addrOf(t, env, "http://10.0.0.2:80")

	if code, body := get(t, addrB, "b.example", "/y"); code != 200 || body != "B1" {
		t.Fatalf("GET b/y = %d %q, want 200 B1", code, body)
	}

	req, err := http.NewRequest(http.MethodPut, "http://"+addrA+replay.ResetPath, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Host = "a.example"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s error = %v", replay.ResetPath, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT %s = %d, want 204", replay.ResetPath, resp.StatusCode)
	}

	if code, body := get(t, addrB, "b.example", "/y"); code != 200 || body != "B1" {
		t.Errorf("GET b/y after in-band reset = %d %q, want 200 B1", code, body)
	}
}

func TestEnvironment_PublishesInstall(t *testing.T) {
	env := newEnv(t, &fabric.Loopback{})
	sub, err := env.cfg.Broker.Subscribe(events.Topic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	// Give the broker time to register the subscriber
	time.Sleep(50 * time.Millisecond)

	if err := env.Install(context.Background(), twoServers(t), "test"); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-sub.Messages():
			evt, ok := msg.Payload.(events.EventTraceInstalled)
			if !ok {
				continue
			}
			if evt.Clusters != 2 || evt.Listeners != 2 || evt.Entries != 4 {
				t.Errorf("EventTraceInstalled = %+v, want 2 clusters, 2 listeners, 4 entries", evt)
			}
			return
		case <-timeout:
			t.Fatal("no EventTraceInstalled received")
		}
	}
}

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without a logger succeeded")
	}
}
