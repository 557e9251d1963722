package group

import (
	"context"
	"fmt"
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

type groupFixture struct {
	d  *dispatcher.Dispatcher
	gm *Manager
}

func newFixture(t *testing.T) *groupFixture {
	t.Helper()
	cfg := &config.Config{
		CSE: config.CSEConfig{
			CSEID:                    "/id-in",
			ResourceName:             "cse-in",
			Type:                     "IN",
			SupportedReleaseVersions: []string{"2a", "3", "4", "5"},
			ReleaseVersion:           "4",
			MaxExpirationDelta:       24 * time.Hour,
			RequestExpirationDelta:   5 * time.Second,
			IDLength:                 10,
		},
		Security: config.SecurityConfig{
			EnableACPChecks: true,
			FullAccessAdmin: true,
			AdminOriginator: "CAdmin",
		},
	}
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBus(zap.NewNop(), 64)
	t.Cleanup(bus.Close)

	d := dispatcher.New(cfg, store, resource.NewRegistry(),
		security.NewChecker(&cfg.Security, zap.NewNop()), bus, zap.NewNop())
	require.NoError(t, d.EnsureCSEBase(context.Background()))

	gm := NewManager(cfg, store, d, zap.NewNop())
	d.SetFanout(gm)
	d.RegisterInterceptor(onem2m.TypeGroup, gm)
	return &groupFixture{d: d, gm: gm}
}

func (f *groupFixture) create(t *testing.T, to string, ty onem2m.ResourceType, inner map[string]any) map[string]any {
	t.Helper()
	resp := f.d.Process(context.Background(), &onem2m.Request{
		Op: onem2m.OpCreate, To: to, From: "CAdmin", RQI: "rqi-create",
		RVI: "4", Ty: ty,
		PC: map[string]any{ty.ShortName(): inner},
	})
	require.Equal(t, onem2m.RSCCreated, resp.RSC, "pc: %v", resp.PC)
	return resp.PC[ty.ShortName()].(map[string]any)
}

func (f *groupFixture) createGroup(t *testing.T, inner map[string]any) map[string]any {
	return f.create(t, "cse-in", onem2m.TypeGroup, inner)
}

func (f *groupFixture) request(req *onem2m.Request) *onem2m.Response {
	return f.d.Process(context.Background(), req)
}

func TestGroupCreateValidatesMembers(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	c2 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c2"})

	grp := f.createGroup(t, map[string]any{
		"rn":  "grp1",
		"mt":  float64(onem2m.TypeContainer),
		"mnm": float64(10),
		"mid": []any{c1["ri"], c2["ri"], c1["ri"], "missing-member"},
	})

	assert.Equal(t, []any{c1["ri"], c2["ri"]}, grp["mid"],
		"duplicates and unresolvable members are abandoned")
	assert.Equal(t, float64(2), grp["cnm"])
	assert.Equal(t, true, grp["mtv"])
}

func TestGroupCreateAbandonGroup(t *testing.T) {
	f := newFixture(t)
	ae := f.create(t, "cse-in", onem2m.TypeAE,
		map[string]any{"rn": "app", "api": "N.test", "rr": true})

	resp := f.request(&onem2m.Request{
		Op: onem2m.OpCreate, To: "cse-in", From: "CAdmin", RQI: "r1", RVI: "4",
		Ty: onem2m.TypeGroup,
		PC: map[string]any{"m2m:grp": map[string]any{
			"rn":  "grp1",
			"mt":  float64(onem2m.TypeContainer),
			"csy": float64(onem2m.CSYAbandonGroup),
			"mnm": float64(10),
			"mid": []any{ae["ri"]},
		}},
	})
	assert.Equal(t, onem2m.RSCGroupMemberTypeInconsistent, resp.RSC)
}

func TestGroupCreateSetMixed(t *testing.T) {
	f := newFixture(t)
	ae := f.create(t, "cse-in", onem2m.TypeAE,
		map[string]any{"rn": "app", "api": "N.test", "rr": true})
	cnt := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})

	grp := f.createGroup(t, map[string]any{
		"rn":  "grp1",
		"mt":  float64(onem2m.TypeContainer),
		"csy": float64(onem2m.CSYSetMixed),
		"mnm": float64(10),
		"mid": []any{cnt["ri"], ae["ri"]},
	})

	assert.Equal(t, float64(0), grp["mt"], "mismatch under SET_MIXED widens mt")
	assert.Equal(t, float64(2), grp["cnm"])
}

func TestGroupCreateMemberCapExceeded(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	c2 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c2"})

	resp := f.request(&onem2m.Request{
		Op: onem2m.OpCreate, To: "cse-in", From: "CAdmin", RQI: "r1", RVI: "4",
		Ty: onem2m.TypeGroup,
		PC: map[string]any{"m2m:grp": map[string]any{
			"rn":  "grp1",
			"mnm": float64(1),
			"mid": []any{c1["ri"], c2["ri"]},
		}},
	})
	assert.Equal(t, onem2m.RSCMaxNumberOfMemberExceeded, resp.RSC)
}

func TestFanoutRetrieve(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	c2 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c2"})
	f.createGroup(t, map[string]any{
		"rn": "grp1", "mnm": float64(10),
		"mid": []any{c1["ri"], c2["ri"]},
	})

	resp := f.request(&onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in/grp1/fopt",
		From: "CAdmin", RQI: "r1", RVI: "4",
	})
	require.Equal(t, onem2m.RSCOK, resp.RSC, "pc: %v", resp.PC)

	agr := resp.PC["m2m:agr"].(map[string]any)
	rsps := agr["m2m:rsp"].([]any)
	require.Len(t, rsps, 2)
	for _, raw := range rsps {
		entry := raw.(map[string]any)
		assert.Equal(t, float64(onem2m.RSCOK), entry["rsc"])
		cnt := entry["pc"].(map[string]any)["m2m:cnt"].(map[string]any)
		assert.NotEmpty(t, cnt["ri"])
	}
}

func TestFanoutCreateInEveryMember(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	c2 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c2"})
	f.createGroup(t, map[string]any{
		"rn": "grp1", "mnm": float64(10),
		"mid": []any{c1["ri"], c2["ri"]},
	})

	resp := f.request(&onem2m.Request{
		Op: onem2m.OpCreate, To: "cse-in/grp1/fopt",
		From: "CAdmin", RQI: "r1", RVI: "4",
		Ty: onem2m.TypeContentInstance,
		PC: map[string]any{"m2m:cin": map[string]any{"con": "21.0"}},
	})
	require.Equal(t, onem2m.RSCOK, resp.RSC)

	for _, cnt := range []string{"cse-in/c1/la", "cse-in/c2/la"} {
		r := f.request(&onem2m.Request{
			Op: onem2m.OpRetrieve, To: cnt, From: "CAdmin", RQI: "r2", RVI: "4",
		})
		require.Equal(t, onem2m.RSCOK, r.RSC, "member %s did not receive the instance", cnt)
		assert.Equal(t, "21.0", r.PC["m2m:cin"].(map[string]any)["con"])
	}
}

func TestFanoutSubAddressing(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	f.createGroup(t, map[string]any{
		"rn": "grp1", "mnm": float64(10), "mid": []any{c1["ri"]},
	})
	for i := 0; i < 2; i++ {
		f.create(t, "cse-in/c1", onem2m.TypeContentInstance,
			map[string]any{"con": fmt.Sprintf("v%d", i)})
	}

	resp := f.request(&onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in/grp1/fopt/la",
		From: "CAdmin", RQI: "r1", RVI: "4",
	})
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	rsps := resp.PC["m2m:agr"].(map[string]any)["m2m:rsp"].([]any)
	require.Len(t, rsps, 1)
	cin := rsps[0].(map[string]any)["pc"].(map[string]any)["m2m:cin"].(map[string]any)
	assert.Equal(t, "v1", cin["con"])
}

func TestFanoutAllMembersFailing(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	f.createGroup(t, map[string]any{
		"rn": "grp1", "mnm": float64(10), "mid": []any{c1["ri"]},
	})

	// Delete the only member, then fan out to it.
	del := f.request(&onem2m.Request{
		Op: onem2m.OpDelete, To: c1["ri"].(string), From: "CAdmin", RQI: "r1", RVI: "4",
	})
	require.Equal(t, onem2m.RSCDeleted, del.RSC)

	resp := f.request(&onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in/grp1/fopt",
		From: "CAdmin", RQI: "r2", RVI: "4",
	})
	assert.Equal(t, onem2m.RSCGroupMembersNotResponded, resp.RSC)
}

// slowRequester never answers until the member deadline expires.
type slowRequester struct{}

func (slowRequester) Process(ctx context.Context, req *onem2m.Request) *onem2m.Response {
	<-ctx.Done()
	return onem2m.ErrorResponse(req,
		onem2m.Errorf(onem2m.RSCRequestTimeout, "member timed out"), "/id-in")
}

func TestFanoutBoundedByGroupTimeout(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	grp := f.createGroup(t, map[string]any{
		"rn": "grp1", "mnm": float64(10), "gft": float64(50),
		"mid": []any{c1["ri"]},
	})
	assert.Equal(t, float64(50), grp["gft"])

	// A member that never answers: the fan-out gives up after gft, not
	// after the CSE-wide request expiration delta.
	gm := NewManager(f.gm.cfg, f.gm.store, slowRequester{}, zap.NewNop())
	gres := resource.New(onem2m.TypeGroup)
	gres.Set("rn", "grp-slow")
	gres.Set("mid", []any{c1["ri"]})
	gres.Set("gft", float64(50))
	gres.Stamp("grp-slow", "cb0", time.Now(), time.Hour)

	start := time.Now()
	resp, err := gm.Fanout(context.Background(), gres, "", &onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in/grp-slow/fopt",
		From: "CAdmin", RQI: "r1", RVI: "4",
	})
	require.NoError(t, err)
	assert.Equal(t, onem2m.RSCGroupMembersNotResponded, resp.RSC)
	assert.Less(t, time.Since(start), 2*time.Second)

	// A gft wider than the request expiration delta does not extend it.
	wide := resource.New(onem2m.TypeGroup)
	wide.Set("gft", float64(3_600_000))
	assert.Equal(t, f.gm.cfg.CSE.RequestExpirationDelta, gm.fanoutTimeout(wide))
}

func TestFanoutLoopRejected(t *testing.T) {
	f := newFixture(t)
	c1 := f.create(t, "cse-in", onem2m.TypeContainer, map[string]any{"rn": "c1"})
	f.createGroup(t, map[string]any{
		"rn": "grp1", "mnm": float64(10), "mid": []any{c1["ri"]},
	})

	req := &onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in/grp1/fopt",
		From: "CAdmin", RQI: "r1", RVI: "4", GID: "gid-1",
	}
	resp := f.request(req)
	require.Equal(t, onem2m.RSCOK, resp.RSC)

	// Same group request id again while the first is still remembered.
	resp = f.request(req)
	assert.Equal(t, onem2m.RSCGroupRequestIDExists, resp.RSC)
}
