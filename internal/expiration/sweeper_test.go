package expiration

import (
	"context"
	"sync"
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

type sweepFixture struct {
	d       *dispatcher.Dispatcher
	s       *Sweeper
	deleted *deletedLog
}

type deletedLog struct {
	mu  sync.Mutex
	ris []string
}

func (l *deletedLog) record(_ context.Context, ev events.Event) {
	if ev.Kind != events.ResourceDeleted {
		return
	}
	l.mu.Lock()
	l.ris = append(l.ris, ev.RI)
	l.mu.Unlock()
}

func (l *deletedLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ris))
	copy(out, l.ris)
	return out
}

func newFixture(t *testing.T) *sweepFixture {
	t.Helper()
	cfg := &config.Config{
		CSE: config.CSEConfig{
			CSEID:                    "/id-in",
			ResourceName:             "cse-in",
			Type:                     "IN",
			SupportedReleaseVersions: []string{"4"},
			ReleaseVersion:           "4",
			MaxExpirationDelta:       24 * time.Hour,
			RequestExpirationDelta:   5 * time.Second,
			CheckExpirationsInterval: time.Hour,
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

	log := &deletedLog{}
	bus.Subscribe("test-deleted", log.record)

	d := dispatcher.New(cfg, store, resource.NewRegistry(),
		security.NewChecker(&cfg.Security, zap.NewNop()), bus, zap.NewNop())
	require.NoError(t, d.EnsureCSEBase(context.Background()))

	return &sweepFixture{
		d:       d,
		s:       NewSweeper(cfg, store, d, zap.NewNop()),
		deleted: log,
	}
}

func (f *sweepFixture) createContainer(t *testing.T, rn, et string) string {
	t.Helper()
	inner := map[string]any{"rn": rn}
	if et != "" {
		inner["et"] = et
	}
	resp := f.d.Process(context.Background(), &onem2m.Request{
		Op: onem2m.OpCreate, To: "cse-in", From: "CAdmin", RQI: "r-" + rn, RVI: "4",
		Ty: onem2m.TypeContainer,
		PC: map[string]any{"m2m:cnt": inner},
	})
	require.Equal(t, onem2m.RSCCreated, resp.RSC, "pc: %v", resp.PC)
	return resp.PC["m2m:cnt"].(map[string]any)["ri"].(string)
}

func TestSweepRemovesExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := onem2m.Timestamp(time.Now().UTC().Add(-time.Hour))
	expired := f.createContainer(t, "old", past)
	alive := f.createContainer(t, "fresh", "")

	f.s.Sweep(ctx)

	resp := f.d.Process(ctx, &onem2m.Request{
		Op: onem2m.OpRetrieve, To: expired, From: "CAdmin", RQI: "r", RVI: "4",
	})
	assert.Equal(t, onem2m.RSCNotFound, resp.RSC)

	resp = f.d.Process(ctx, &onem2m.Request{
		Op: onem2m.OpRetrieve, To: alive, From: "CAdmin", RQI: "r", RVI: "4",
	})
	assert.Equal(t, onem2m.RSCOK, resp.RSC)
}

func TestSweepPublishesDeletionEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := onem2m.Timestamp(time.Now().UTC().Add(-time.Minute))
	expired := f.createContainer(t, "old", past)

	f.s.Sweep(ctx)

	require.Eventually(t, func() bool {
		for _, ri := range f.deleted.seen() {
			if ri == expired {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond,
		"deletion by the sweeper must reach event subscribers")
}

func TestSweepRemovesExpiredSubtreeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := onem2m.Timestamp(time.Now().UTC().Add(-time.Hour))
	parent := f.createContainer(t, "old", past)

	// Child expires too; its subtree removal must not trip the sweep.
	resp := f.d.Process(ctx, &onem2m.Request{
		Op: onem2m.OpCreate, To: parent, From: "CAdmin", RQI: "r-child", RVI: "4",
		Ty: onem2m.TypeContainer,
		PC: map[string]any{"m2m:cnt": map[string]any{"rn": "child", "et": past}},
	})
	require.Equal(t, onem2m.RSCCreated, resp.RSC)

	f.s.Sweep(ctx)

	resp = f.d.Process(ctx, &onem2m.Request{
		Op: onem2m.OpRetrieve, To: parent, From: "CAdmin", RQI: "r", RVI: "4",
	})
	assert.Equal(t, onem2m.RSCNotFound, resp.RSC)
}
