package binding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/dispatcher"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/security"
	"github.com/piwi3910/cseweave/internal/storage"
)

type bindingFixture struct {
	cfg *config.Config
	ts  *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *bindingFixture {
	t.Helper()
	cfg := &config.Config{
		CSE: config.CSEConfig{
			CSEID:                    "/id-in",
			ResourceName:             "cse-in",
			Type:                     "IN",
			SupportedReleaseVersions: []string{"2a", "3", "4", "5"},
			ReleaseVersion:           "4",
			DefaultSerialization:     "json",
			MaxExpirationDelta:       24 * time.Hour,
			RequestExpirationDelta:   5 * time.Second,
			IDLength:                 10,
		},
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			GinMode:         "test",
			ShutdownTimeout: time.Second,
		},
		Security: config.SecurityConfig{
			EnableACPChecks: true,
			FullAccessAdmin: true,
			AdminOriginator: "CAdmin",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBus(zap.NewNop(), 64)
	t.Cleanup(bus.Close)

	d := dispatcher.New(cfg, store, resource.NewRegistry(),
		security.NewChecker(&cfg.Security, zap.NewNop()), bus, zap.NewNop())
	require.NoError(t, d.EnsureCSEBase(context.Background()))

	srv := NewServer(cfg, d, store, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &bindingFixture{cfg: cfg, ts: ts}
}

func (f *bindingFixture) do(t *testing.T, method, path, contentType string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-M2M-Origin", "CAdmin")
	req.Header.Set("X-M2M-RI", "test-rqi")
	req.Header.Set("X-M2M-RVI", "4")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var pc map[string]any
	require.NoError(t, json.Unmarshal(data, &pc), "body: %s", data)
	return pc
}

func rsc(resp *http.Response) string { return resp.Header.Get("X-M2M-RSC") }

func TestCreateAndRetrieveOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	body, _ := json.Marshal(map[string]any{"m2m:cnt": map[string]any{"rn": "data"}})
	resp := f.do(t, http.MethodPost, "/cse-in", "application/json;ty=3", body, nil)
	require.Equal(t, "2001", rsc(resp))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "test-rqi", resp.Header.Get("X-M2M-RI"))
	created := decodeBody(t, resp)
	assert.Equal(t, "data", created["m2m:cnt"].(map[string]any)["rn"])

	resp = f.do(t, http.MethodGet, "/cse-in/data", "", nil, nil)
	require.Equal(t, "2000", rsc(resp))
	got := decodeBody(t, resp)
	assert.NotEmpty(t, got["m2m:cnt"].(map[string]any)["ri"])
}

func TestUpdateAndDeleteOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	body, _ := json.Marshal(map[string]any{"m2m:cnt": map[string]any{"rn": "data"}})
	resp := f.do(t, http.MethodPost, "/cse-in", "application/json;ty=3", body, nil)
	require.Equal(t, "2001", rsc(resp))
	resp.Body.Close()

	upd, _ := json.Marshal(map[string]any{"m2m:cnt": map[string]any{"lbl": []string{"a"}}})
	resp = f.do(t, http.MethodPut, "/cse-in/data", "application/json", upd, nil)
	require.Equal(t, "2004", rsc(resp))
	updated := decodeBody(t, resp)
	assert.Equal(t, []any{"a"}, updated["m2m:cnt"].(map[string]any)["lbl"])

	resp = f.do(t, http.MethodDelete, "/cse-in/data", "", nil, nil)
	require.Equal(t, "2002", rsc(resp))
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/cse-in/data", "", nil, nil)
	assert.Equal(t, "4004", rsc(resp))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDiscoveryQueryParameters(t *testing.T) {
	f := newFixture(t, nil)

	for _, rn := range []string{"c1", "c2"} {
		body, _ := json.Marshal(map[string]any{"m2m:cnt": map[string]any{
			"rn": rn, "lbl": []string{"sensor"},
		}})
		resp := f.do(t, http.MethodPost, "/cse-in", "application/json;ty=3", body, nil)
		require.Equal(t, "2001", rsc(resp))
		resp.Body.Close()
	}

	resp := f.do(t, http.MethodGet, "/cse-in?fu=1&ty=3&lbl=sensor", "", nil, nil)
	require.Equal(t, "2000", rsc(resp))
	pc := decodeBody(t, resp)
	uril := pc["m2m:uril"].([]any)
	assert.ElementsMatch(t, []any{"cse-in/c1", "cse-in/c2"}, uril)
}

func TestNotifyWithoutTyParameter(t *testing.T) {
	f := newFixture(t, nil)

	body, _ := json.Marshal(map[string]any{"m2m:sgn": map[string]any{"vrq": true}})
	resp := f.do(t, http.MethodPost, "/cse-in", "application/json", body, nil)
	assert.Equal(t, "2000", rsc(resp), "CSEBase absorbs notifications")
	resp.Body.Close()
}

func TestMissingRequestIdentifier(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/cse-in", nil)
	require.NoError(t, err)
	req.Header.Set("X-M2M-Origin", "CAdmin")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "4000", rsc(resp))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingReleaseVersionRejected(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/cse-in", nil)
	require.NoError(t, err)
	req.Header.Set("X-M2M-RI", "no-rvi")
	req.Header.Set("X-M2M-Origin", "CAdmin")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "4000", rsc(resp))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingOriginator(t *testing.T) {
	f := newFixture(t, nil)

	send := func(method, path, ct string, body []byte) *http.Response {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, f.ts.URL+path, rd)
		require.NoError(t, err)
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		req.Header.Set("X-M2M-RI", "no-origin")
		req.Header.Set("X-M2M-RVI", "4")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := send(http.MethodGet, "/cse-in", "", nil)
	assert.Equal(t, "4000", rsc(resp))
	resp.Body.Close()

	// AE registration may omit the originator: the CSE assigns the AE-ID.
	body, _ := json.Marshal(map[string]any{"m2m:ae": map[string]any{
		"rn": "anon", "api": "N.test", "rr": true,
	}})
	resp = send(http.MethodPost, "/cse-in", "application/json;ty=2", body)
	assert.Equal(t, "2001", rsc(resp))
	resp.Body.Close()
}

func TestPatchForDelete(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPatch, "/cse-in", "", nil, nil)
	assert.Equal(t, "4005", rsc(resp), "PATCH disabled by default")
	resp.Body.Close()

	f2 := newFixture(t, func(cfg *config.Config) {
		cfg.Server.AllowPatchForDelete = true
	})
	body, _ := json.Marshal(map[string]any{"m2m:cnt": map[string]any{"rn": "data"}})
	resp = f2.do(t, http.MethodPost, "/cse-in", "application/json;ty=3", body, nil)
	require.Equal(t, "2001", rsc(resp))
	resp.Body.Close()

	resp = f2.do(t, http.MethodPatch, "/cse-in/data", "", nil, nil)
	assert.Equal(t, "2002", rsc(resp))
	resp.Body.Close()
}

func TestSPRelativePathEscape(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/~/id-in/cse-in", "", nil, nil)
	assert.Equal(t, "2000", rsc(resp))
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/healthz", "/readyz", "/statsz", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) Process(_ context.Context, req *onem2m.Request) *onem2m.Response {
	p.started <- struct{}{}
	<-p.release
	return &onem2m.Response{RSC: onem2m.RSCOK, RQI: req.RQI}
}

func TestConcurrentRequestLimit(t *testing.T) {
	cfg := &config.Config{
		CSE: config.CSEConfig{DefaultSerialization: "json"},
		Server: config.ServerConfig{
			GinMode:               "test",
			MaxConcurrentRequests: 1,
		},
	}
	proc := &blockingProcessor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	srv := NewServer(cfg, proc, storage.NewMemoryStore(), zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(rqi string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/cse-in", nil)
		require.NoError(t, err)
		req.Header.Set("X-M2M-RI", rqi)
		req.Header.Set("X-M2M-Origin", "CAdmin")
		req.Header.Set("X-M2M-RVI", "4")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	done := make(chan *http.Response)
	go func() { done <- get("first") }()
	<-proc.started

	overflow := get("second")
	assert.Equal(t, "5000", rsc(overflow))
	overflow.Body.Close()

	close(proc.release)
	first := <-done
	assert.Equal(t, "2000", rsc(first))
	first.Body.Close()
}

func TestHTTPSenderRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	sender := NewHTTPSender(f.cfg, zap.NewNop())
	ctx := context.Background()

	resp, err := sender.Do(ctx, f.ts.URL, &onem2m.Request{
		Op:   onem2m.OpCreate,
		To:   "cse-in",
		From: "CAdmin",
		RQI:  "sender-1",
		RVI:  "4",
		Ty:   onem2m.TypeContainer,
		PC:   map[string]any{"m2m:cnt": map[string]any{"rn": "remote"}},
	})
	require.NoError(t, err)
	require.Equal(t, onem2m.RSCCreated, resp.RSC)
	assert.Equal(t, "remote", resp.PC["m2m:cnt"].(map[string]any)["rn"])

	resp, err = sender.Do(ctx, f.ts.URL, &onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in/remote",
		From: "CAdmin", RQI: "sender-2", RVI: "4",
	})
	require.NoError(t, err)
	assert.Equal(t, onem2m.RSCOK, resp.RSC)
}

func TestHTTPSenderNotification(t *testing.T) {
	var got map[string]any
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer sink.Close()

	cfg := &config.Config{CSE: config.CSEConfig{
		CSEID: "/id-in", ReleaseVersion: "4", DefaultSerialization: "json",
	}}
	sender := NewHTTPSender(cfg, zap.NewNop())

	resp, err := sender.Send(context.Background(), sink.URL,
		map[string]any{"m2m:sgn": map[string]any{"sur": "sub1"}})
	require.NoError(t, err)
	assert.Equal(t, onem2m.RSCOK, resp.RSC, "2xx without primitive headers maps to OK")
	assert.Equal(t, "sub1", got["m2m:sgn"].(map[string]any)["sur"])
}

func TestCBORSerializationOverHTTP(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Registrar.Serialization = "cbor"
	})
	sender := NewHTTPSender(f.cfg, zap.NewNop())

	resp, err := sender.Do(context.Background(), f.ts.URL, &onem2m.Request{
		Op:   onem2m.OpCreate,
		To:   "cse-in",
		From: "CAdmin",
		RQI:  "cbor-1",
		RVI:  "4",
		Ty:   onem2m.TypeContainer,
		PC:   map[string]any{"m2m:cnt": map[string]any{"rn": "binary"}},
	})
	require.NoError(t, err)
	require.Equal(t, onem2m.RSCCreated, resp.RSC)
	assert.Equal(t, "binary", resp.PC["m2m:cnt"].(map[string]any)["rn"])
}
