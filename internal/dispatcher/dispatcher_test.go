package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/security"
	"github.com/piwi3910/cseweave/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		CSE: config.CSEConfig{
			CSEID:                    "/id-in",
			ResourceName:             "cse-in",
			ServiceProviderID:        "sp.example",
			Type:                     "IN",
			SupportedReleaseVersions: []string{"2a", "3", "4", "5"},
			ReleaseVersion:           "4",
			DefaultSerialization:     "json",
			MaxExpirationDelta:       5 * 365 * 24 * time.Hour,
			RequestExpirationDelta:   10 * time.Second,
			IDLength:                 10,
			FlexBlockingPreference:   "blocking",
			SortDiscoveredResources:  true,
			EnableRemoteCSE:          true,
		},
		Security: config.SecurityConfig{
			EnableACPChecks: true,
			FullAccessAdmin: true,
			AdminOriginator: "CAdmin",
		},
		Notifications: config.NotificationsConfig{
			EnableSubscriptionVerificationRequests: false,
		},
	}
}

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := testConfig()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBus(zap.NewNop(), 64)
	t.Cleanup(bus.Close)

	d := New(cfg, store, resource.NewRegistry(),
		security.NewChecker(&cfg.Security, zap.NewNop()), bus, zap.NewNop())
	require.NoError(t, d.EnsureCSEBase(context.Background()))
	return d
}

func createReq(to string, ty onem2m.ResourceType, from string, inner map[string]any) *onem2m.Request {
	return &onem2m.Request{
		Op:   onem2m.OpCreate,
		To:   to,
		From: from,
		RQI:  "rqi-" + from,
		RVI:  "4",
		Ty:   ty,
		PC:   map[string]any{ty.ShortName(): inner},
	}
}

func retrieveReq(to, from string) *onem2m.Request {
	return &onem2m.Request{
		Op: onem2m.OpRetrieve, To: to, From: from, RQI: "r", RVI: "4",
	}
}

func TestCreateAndRetrieve(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	resp := d.Process(ctx, createReq("cse-in", onem2m.TypeAE, "CAdmin",
		map[string]any{"rn": "MyAE", "api": "N.test", "rr": true}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC, "pc: %v", resp.PC)

	ae, ok := resp.PC["m2m:ae"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MyAE", ae["rn"])
	assert.NotEmpty(t, ae["ri"])
	assert.NotEmpty(t, ae["ct"])
	assert.Equal(t, ae["ct"], ae["lt"])

	// Structured retrieve.
	resp = d.Process(ctx, retrieveReq("cse-in/MyAE", "CAdmin"))
	require.Equal(t, onem2m.RSCOK, resp.RSC)

	// Unstructured retrieve by the assigned ri.
	resp = d.Process(ctx, retrieveReq(ae["ri"].(string), "CAdmin"))
	require.Equal(t, onem2m.RSCOK, resp.RSC)

	// SP-relative retrieve.
	resp = d.Process(ctx, retrieveReq("/id-in/cse-in/MyAE", "CAdmin"))
	assert.Equal(t, onem2m.RSCOK, resp.RSC)
}

func TestCreateValidationFailures(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *onem2m.Request
		want onem2m.RSC
	}{
		{
			name: "unknown attribute",
			req: createReq("cse-in", onem2m.TypeContainer, "CAdmin",
				map[string]any{"rn": "c1", "bogus": "x"}),
			want: onem2m.RSCBadRequest,
		},
		{
			name: "missing mandatory",
			req: createReq("cse-in", onem2m.TypeAE, "CAdmin",
				map[string]any{"rn": "NoAPI"}),
			want: onem2m.RSCBadRequest,
		},
		{
			name: "invalid child type",
			req: createReq("cse-in", onem2m.TypeContentInstance, "CAdmin",
				map[string]any{"con": "x"}),
			want: onem2m.RSCInvalidChildResourceType,
		},
		{
			name: "target missing",
			req: createReq("cse-in/nothing", onem2m.TypeContainer, "CAdmin",
				map[string]any{"rn": "c"}),
			want: onem2m.RSCNotFound,
		},
		{
			name: "missing type",
			req: &onem2m.Request{
				Op: onem2m.OpCreate, To: "cse-in", From: "CAdmin", RQI: "x", RVI: "4",
				PC: map[string]any{"m2m:cnt": map[string]any{}},
			},
			want: onem2m.RSCBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Process(ctx, tt.req)
			assert.Equal(t, tt.want, resp.RSC)
		})
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	first := d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "dup"}))
	require.Equal(t, onem2m.RSCCreated, first.RSC)

	second := d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "dup"}))
	assert.Equal(t, onem2m.RSCAlreadyExists, second.RSC)
}

func TestContentInstanceAgeCapsExpiration(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	resp := d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "cnt", "mia": float64(60)}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	resp = d.Process(ctx, createReq("cse-in/cnt", onem2m.TypeContentInstance, "CAdmin",
		map[string]any{"con": "v"}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	et := resp.PC["m2m:cin"].(map[string]any)["et"].(string)
	ceiling := onem2m.Timestamp(time.Now().UTC().Add(2 * time.Minute))
	assert.LessOrEqual(t, et, ceiling, "et must be capped by the container mia")
}

func TestContainerQuotaEviction(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	resp := d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "cnt", "mni": float64(2)}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	var ris []string
	for i := 1; i <= 3; i++ {
		resp := d.Process(ctx, createReq("cse-in/cnt", onem2m.TypeContentInstance, "CAdmin",
			map[string]any{"con": fmt.Sprintf("value-%d", i)}))
		require.Equal(t, onem2m.RSCCreated, resp.RSC)
		cin := resp.PC["m2m:cin"].(map[string]any)
		ris = append(ris, cin["ri"].(string))
	}

	// Latest is CI3, oldest surviving is CI2, CI1 was evicted.
	resp = d.Process(ctx, retrieveReq("cse-in/cnt/la", "CAdmin"))
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	assert.Equal(t, "value-3", resp.PC["m2m:cin"].(map[string]any)["con"])

	resp = d.Process(ctx, retrieveReq("cse-in/cnt/ol", "CAdmin"))
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	assert.Equal(t, "value-2", resp.PC["m2m:cin"].(map[string]any)["con"])

	resp = d.Process(ctx, retrieveReq(ris[0], "CAdmin"))
	assert.Equal(t, onem2m.RSCNotFound, resp.RSC)

	// Container bookkeeping reflects the eviction.
	resp = d.Process(ctx, retrieveReq("cse-in/cnt", "CAdmin"))
	cnt := resp.PC["m2m:cnt"].(map[string]any)
	assert.Equal(t, float64(2), cnt["cni"])
}

func TestUpdateMergeAndNullDelete(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	resp := d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "c", "lbl": []any{"old"}, "mni": float64(5)}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	upd := &onem2m.Request{
		Op: onem2m.OpUpdate, To: "cse-in/c", From: "CAdmin", RQI: "u1", RVI: "4",
		PC: map[string]any{"m2m:cnt": map[string]any{"mni": float64(9), "lbl": nil}},
	}
	resp = d.Process(ctx, upd)
	require.Equal(t, onem2m.RSCUpdated, resp.RSC)
	cnt := resp.PC["m2m:cnt"].(map[string]any)
	assert.Equal(t, float64(9), cnt["mni"])
	_, hasLbl := cnt["lbl"]
	assert.False(t, hasLbl)

	// Immutable attribute rejected.
	bad := &onem2m.Request{
		Op: onem2m.OpUpdate, To: "cse-in/c", From: "CAdmin", RQI: "u2", RVI: "4",
		PC: map[string]any{"m2m:cnt": map[string]any{"ri": "hack"}},
	}
	resp = d.Process(ctx, bad)
	assert.Equal(t, onem2m.RSCBadRequest, resp.RSC)
}

func TestDeleteSubtree(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	require.Equal(t, onem2m.RSCCreated, d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "parent"})).RSC)
	resp := d.Process(ctx, createReq("cse-in/parent", onem2m.TypeContentInstance, "CAdmin",
		map[string]any{"con": "x"}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)
	childRI := resp.PC["m2m:cin"].(map[string]any)["ri"].(string)

	del := &onem2m.Request{Op: onem2m.OpDelete, To: "cse-in/parent", From: "CAdmin", RQI: "d1", RVI: "4"}
	require.Equal(t, onem2m.RSCDeleted, d.Process(ctx, del).RSC)

	assert.Equal(t, onem2m.RSCNotFound, d.Process(ctx, retrieveReq("cse-in/parent", "CAdmin")).RSC)
	assert.Equal(t, onem2m.RSCNotFound, d.Process(ctx, retrieveReq(childRI, "CAdmin")).RSC)
}

func TestDeleteCSEBaseRejected(t *testing.T) {
	d := testDispatcher(t)
	del := &onem2m.Request{Op: onem2m.OpDelete, To: "cse-in", From: "CAdmin", RQI: "d", RVI: "4"}
	assert.Equal(t, onem2m.RSCOperationNotAllowed, d.Process(context.Background(), del).RSC)
}

func TestReleaseVersionCheck(t *testing.T) {
	d := testDispatcher(t)
	req := retrieveReq("cse-in", "CAdmin")
	req.RVI = "1"
	assert.Equal(t, onem2m.RSCReleaseVersionNotSupported, d.Process(context.Background(), req).RSC)

	// An absent release version is not negotiable either.
	req = retrieveReq("cse-in", "CAdmin")
	req.RVI = ""
	assert.Equal(t, onem2m.RSCReleaseVersionNotSupported, d.Process(context.Background(), req).RSC)
}

func TestRequestDeadline(t *testing.T) {
	d := testDispatcher(t)
	req := retrieveReq("cse-in", "CAdmin")
	req.RQET = onem2m.Timestamp(time.Now().UTC().Add(-time.Minute))
	assert.Equal(t, onem2m.RSCRequestTimeout, d.Process(context.Background(), req).RSC)
}

func TestAccessDenied(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	acp := createReq("cse-in", onem2m.TypeACP, "CAdmin", map[string]any{
		"rn": "acpReadOnly",
		"pv": map[string]any{"acr": []any{
			map[string]any{"acor": []any{"Cfoo"}, "acop": float64(onem2m.PermRetrieve)},
		}},
		"pvs": map[string]any{"acr": []any{
			map[string]any{"acor": []any{"CAdmin"}, "acop": float64(onem2m.PermAll)},
		}},
	})
	resp := d.Process(ctx, acp)
	require.Equal(t, onem2m.RSCCreated, resp.RSC)
	acpRI := resp.PC["m2m:acp"].(map[string]any)["ri"].(string)

	resp = d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "guarded", "acpi": []any{acpRI}}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	// Cfoo may read but not create.
	assert.Equal(t, onem2m.RSCOK,
		d.Process(ctx, retrieveReq("cse-in/guarded", "Cfoo")).RSC)
	resp = d.Process(ctx, createReq("cse-in/guarded", onem2m.TypeContentInstance, "Cfoo",
		map[string]any{"con": "x"}))
	assert.Equal(t, onem2m.RSCOriginatorHasNoPrivilege, resp.RSC)
}

func TestUnguardedResourceLimitedToCreator(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	resp := d.Process(ctx, createReq("cse-in", onem2m.TypeAE, "Cowner",
		map[string]any{"rn": "ownerAE", "api": "N.test", "rr": true}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC, "pc: %v", resp.PC)

	// The AE may build under its own registration without any policy.
	resp = d.Process(ctx, createReq("cse-in/ownerAE", onem2m.TypeContainer, "Cowner",
		map[string]any{"rn": "data"}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC, "pc: %v", resp.PC)
	assert.Equal(t, "Cowner", resp.PC["m2m:cnt"].(map[string]any)["cr"])

	// A foreign originator gets nothing without a policy granting it.
	resp = d.Process(ctx, retrieveReq("cse-in/ownerAE/data", "Cother"))
	assert.Equal(t, onem2m.RSCOriginatorHasNoPrivilege, resp.RSC)

	assert.Equal(t, onem2m.RSCOK,
		d.Process(ctx, retrieveReq("cse-in/ownerAE/data", "Cowner")).RSC)
	assert.Equal(t, onem2m.RSCOK,
		d.Process(ctx, retrieveReq("cse-in/ownerAE/data", "CAdmin")).RSC)
}

func TestDiscovery(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	require.Equal(t, onem2m.RSCCreated, d.Process(ctx, createReq("cse-in", onem2m.TypeAE, "CAdmin",
		map[string]any{"rn": "app", "api": "N.a", "rr": false})).RSC)
	require.Equal(t, onem2m.RSCCreated, d.Process(ctx, createReq("cse-in/app", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "data", "lbl": []any{"sensor"}})).RSC)
	require.Equal(t, onem2m.RSCCreated, d.Process(ctx, createReq("cse-in/app/data", onem2m.TypeContentInstance, "CAdmin",
		map[string]any{"con": "1"})).RSC)

	disc := &onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in", From: "CAdmin", RQI: "d", RVI: "4",
		FC: &onem2m.FilterCriteria{
			FU: onem2m.FUDiscoveryCriteria,
			Ty: []onem2m.ResourceType{onem2m.TypeContainer},
		},
	}
	resp := d.Process(ctx, disc)
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	uril, ok := resp.PC["m2m:uril"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"cse-in/app/data"}, uril)

	// Label filter with OR.
	disc = &onem2m.Request{
		Op: onem2m.OpRetrieve, To: "cse-in", From: "CAdmin", RQI: "d2", RVI: "4",
		FC: &onem2m.FilterCriteria{
			FU:  onem2m.FUDiscoveryCriteria,
			FO:  onem2m.FOOr,
			Ty:  []onem2m.ResourceType{onem2m.TypeContentInstance},
			Lbl: []string{"sensor"},
		},
	}
	resp = d.Process(ctx, disc)
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	assert.Len(t, resp.PC["m2m:uril"].([]string), 2)
}

func TestResultContentShaping(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	req := createReq("cse-in", onem2m.TypeContainer, "CAdmin", map[string]any{"rn": "shaped"})
	req.RCN = onem2m.RCNHierarchicalAddress
	resp := d.Process(ctx, req)
	require.Equal(t, onem2m.RSCCreated, resp.RSC)
	assert.Equal(t, "cse-in/shaped", resp.PC["m2m:uri"])

	req = createReq("cse-in", onem2m.TypeContainer, "CAdmin", map[string]any{"rn": "silent"})
	req.RCN = onem2m.RCNNothing
	resp = d.Process(ctx, req)
	require.Equal(t, onem2m.RSCCreated, resp.RSC)
	assert.Nil(t, resp.PC)

	// Child references of the CSEBase.
	get := retrieveReq("cse-in", "CAdmin")
	get.RCN = onem2m.RCNChildRefs
	resp = d.Process(ctx, get)
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	refs := resp.PC["m2m:ch"].([]any)
	assert.Len(t, refs, 2)
}

func TestPartialRetrieve(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	require.Equal(t, onem2m.RSCCreated, d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "p", "mni": float64(3), "mbs": float64(100)})).RSC)

	get := retrieveReq("cse-in/p", "CAdmin")
	get.RVI = onem2m.Release5
	get.Atrl = []string{"rn", "mni"}
	resp := d.Process(ctx, get)
	require.Equal(t, onem2m.RSCOK, resp.RSC)
	inner := resp.PC["m2m:cnt"].(map[string]any)
	assert.Len(t, inner, 2)

	// atrl is a release-5 feature.
	get = retrieveReq("cse-in/p", "CAdmin")
	get.Atrl = []string{"rn"}
	resp = d.Process(ctx, get)
	assert.Equal(t, onem2m.RSCBadRequest, resp.RSC)
}

func TestNonBlockingSync(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	req := createReq("cse-in", onem2m.TypeContainer, "CAdmin", map[string]any{"rn": "nb"})
	req.RT = onem2m.RTNonBlockingSync
	resp := d.Process(ctx, req)
	require.Equal(t, onem2m.RSCAcceptedNonBlockingSync, resp.RSC)
	ref, ok := resp.PC["m2m:uri"].(string)
	require.True(t, ok)

	// The stored <request> resource eventually records the outcome.
	require.Eventually(t, func() bool {
		r := d.Process(ctx, retrieveReq(ref, "CAdmin"))
		if r.RSC != onem2m.RSCOK {
			return false
		}
		reqRes := r.PC["m2m:req"].(map[string]any)
		return reqRes["rs"] == requestStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// The operation itself landed.
	assert.Equal(t, onem2m.RSCOK, d.Process(ctx, retrieveReq("cse-in/nb", "CAdmin")).RSC)
}

func TestUpdatesLinearizePerResource(t *testing.T) {
	d := testDispatcher(t)
	ctx := context.Background()

	require.Equal(t, onem2m.RSCCreated, d.Process(ctx, createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "contended"})).RSC)

	done := make(chan onem2m.RSC, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			upd := &onem2m.Request{
				Op: onem2m.OpUpdate, To: "cse-in/contended", From: "CAdmin",
				RQI: fmt.Sprintf("u%d", n), RVI: "4",
				PC: map[string]any{"m2m:cnt": map[string]any{"mni": float64(n)}},
			}
			done <- d.Process(ctx, upd).RSC
		}(i)
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, onem2m.RSCUpdated, <-done)
	}
}

func TestHookRewritesRequest(t *testing.T) {
	d := testDispatcher(t)
	d.SetHook(&rewriteHook{})
	// The hook rewrites the bogus target to the CSEBase.
	resp := d.Process(context.Background(), retrieveReq("cse-in/wrong", "CAdmin"))
	assert.Equal(t, onem2m.RSCOK, resp.RSC)
}

type rewriteHook struct{}

func (h *rewriteHook) OnRequest(req *onem2m.Request) (*onem2m.Request, bool) {
	if req.To == "cse-in/wrong" {
		r := *req
		r.To = "cse-in"
		return &r, true
	}
	return nil, true
}

func (h *rewriteHook) OnEvent(string, map[string]any) {}

func TestCreatePublishesEvent(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBus(zap.NewNop(), 64)

	got := make(chan events.Event, 8)
	bus.Subscribe("test", func(_ context.Context, ev events.Event) { got <- ev })

	d := New(cfg, store, resource.NewRegistry(),
		security.NewChecker(&cfg.Security, zap.NewNop()), bus, zap.NewNop())
	require.NoError(t, d.EnsureCSEBase(context.Background()))

	resp := d.Process(context.Background(), createReq("cse-in", onem2m.TypeContainer, "CAdmin",
		map[string]any{"rn": "evt"}))
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	select {
	case ev := <-got:
		assert.Equal(t, events.ResourceCreated, ev.Kind)
		assert.Equal(t, onem2m.TypeContainer, ev.Type)
		assert.Equal(t, "cse-in/evt", ev.SRN)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
	bus.Close()
}
