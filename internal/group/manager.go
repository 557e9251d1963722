// Package group implements <group> member validation and fan-out point
// request distribution.
package group

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// gidRetention bounds how long a seen group request identifier blocks
// re-entry. Nested group fan-outs finish well within this.
const gidRetention = time.Minute

// Requester re-enters the request pipeline for one member request. The
// dispatcher satisfies it, so member requests get full addressing,
// access control, and transit handling.
type Requester interface {
	Process(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// Manager validates group membership on create and fans requests out to
// the members.
type Manager struct {
	cfg       *config.Config
	store     storage.Store
	requester Requester
	logger    *zap.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewManager creates the group manager.
func NewManager(cfg *config.Config, store storage.Store, requester Requester, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		requester: requester,
		logger:    logger.Named("group"),
		seen:      make(map[string]time.Time),
	}
}

// OnCreate validates the member list of a new group before it is
// persisted: duplicates are collapsed, the member cap is enforced, and
// member types are checked against mt under the group's consistency
// strategy.
func (m *Manager) OnCreate(ctx context.Context, tx storage.Tx, _ *onem2m.Request, res *resource.Resource, _ *resource.Resource) error {
	mids := dedupe(res.StringList("mid"))

	if mnm, ok := res.Int("mnm"); ok && len(mids) > mnm {
		return onem2m.Errorf(onem2m.RSCMaxNumberOfMemberExceeded,
			"group has %d members, mnm allows %d", len(mids), mnm)
	}

	csy := onem2m.CSYAbandonMember
	if v, ok := res.Int("csy"); ok {
		csy = onem2m.ConsistencyStrategy(v)
	}
	mt, hasMT := res.Int("mt")

	validated := true
	kept := mids[:0]
	for _, mid := range mids {
		member, local := m.resolveMember(ctx, tx, mid)
		if !local {
			// Remote members cannot be validated here.
			validated = false
			kept = append(kept, mid)
			continue
		}
		if member == nil || (hasMT && mt != 0 && int(member.Type) != mt) {
			switch csy {
			case onem2m.CSYAbandonGroup:
				return onem2m.Errorf(onem2m.RSCGroupMemberTypeInconsistent,
					"member %s does not match mt %d", mid, mt)
			case onem2m.CSYSetMixed:
				res.Set("mt", float64(0))
				mt, hasMT = 0, true
				kept = append(kept, mid)
			default:
				// Abandon the offending member.
			}
			continue
		}
		kept = append(kept, mid)
	}

	res.Set("mid", toAnyList(kept))
	res.Set("cnm", float64(len(kept)))
	res.Set("mtv", validated)
	return nil
}

// resolveMember looks a member address up in local storage. The second
// return is false for members hosted on another CSE.
func (m *Manager) resolveMember(ctx context.Context, tx storage.Tx, mid string) (*resource.Resource, bool) {
	addr := onem2m.ParseAddress(mid)
	if !addr.Local(m.cfg.CSE.CSEID) || strings.HasPrefix(mid, "http") {
		return nil, false
	}
	res, err := tx.Resource(ctx, addr.Path)
	if err == nil {
		return res, true
	}
	res, err = tx.ResourceBySRN(ctx, addr.Path)
	if err == nil {
		return res, true
	}
	return nil, true
}

// Fanout distributes the request to every member in parallel and
// aggregates the member responses into m2m:agr. The overall status is OK
// when at least one member answered successfully.
func (m *Manager) Fanout(ctx context.Context, grp *resource.Resource, suffix string, req *onem2m.Request) (*onem2m.Response, error) {
	gid := req.GID
	if gid == "" {
		gid = uuid.NewString()
	}
	if !m.admitGID(gid) {
		return nil, onem2m.Errorf(onem2m.RSCGroupRequestIDExists,
			"group request %s already being fanned out", gid)
	}

	mids := grp.StringList("mid")
	responses := make([]*onem2m.Response, len(mids))

	ctx, cancel := context.WithTimeout(ctx, m.fanoutTimeout(grp))
	defer cancel()

	var wg sync.WaitGroup
	for i, mid := range mids {
		wg.Add(1)
		go func(i int, mid string) {
			defer wg.Done()
			responses[i] = m.requester.Process(ctx, m.memberRequest(req, mid, suffix, gid))
		}(i, mid)
	}
	wg.Wait()

	var rsps []any
	anyOK := false
	for i, resp := range responses {
		if resp == nil {
			continue
		}
		if resp.RSC.IsSuccess() {
			anyOK = true
		}
		entry := map[string]any{
			"rsc": float64(resp.RSC),
			"rqi": resp.RQI,
			"to":  mids[i],
		}
		if resp.PC != nil {
			entry["pc"] = resp.PC
		}
		rsps = append(rsps, entry)
	}

	rsc := onem2m.RSCGroupMembersNotResponded
	if anyOK {
		rsc = onem2m.RSCOK
	}
	pc := map[string]any{"m2m:agr": map[string]any{"m2m:rsp": rsps}}
	return onem2m.SuccessResponse(req, rsc, pc, m.cfg.CSE.CSEID), nil
}

// fanoutTimeout bounds the member requests: the group's gft
// (milliseconds) when set and tighter, otherwise the CSE-wide request
// expiration delta. A tighter deadline on the incoming context still
// wins.
func (m *Manager) fanoutTimeout(grp *resource.Resource) time.Duration {
	limit := m.cfg.CSE.RequestExpirationDelta
	if gft, ok := grp.Int("gft"); ok && gft > 0 {
		if d := time.Duration(gft) * time.Millisecond; d < limit {
			limit = d
		}
	}
	return limit
}

// memberRequest derives the per-member primitive from the fan-out
// request.
func (m *Manager) memberRequest(req *onem2m.Request, mid, suffix, gid string) *onem2m.Request {
	to := mid
	if suffix != "" {
		to = strings.TrimSuffix(mid, "/") + "/" + suffix
	}
	member := *req
	member.To = to
	member.GID = gid
	member.RQI = req.RQI + "." + uuid.NewString()[:8]
	return &member
}

// admitGID records a group request identifier, rejecting one already in
// flight. Stale entries age out.
func (m *Manager) admitGID(gid string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, exp := range m.seen {
		if now.After(exp) {
			delete(m.seen, k)
		}
	}
	if _, dup := m.seen[gid]; dup {
		return false
	}
	m.seen[gid] = now.Add(gidRetention)
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
