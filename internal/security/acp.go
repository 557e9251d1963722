// Package security evaluates access-control-policy resources against
// incoming requests: acor originator patterns, acop permission masks, and
// the admin bypass.
package security

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// acorAll is the reserved originator pattern granting any originator.
const acorAll = "all"

// Checker evaluates whether an originator may perform an operation on a
// target resource.
type Checker struct {
	cfg    *config.SecurityConfig
	logger *zap.Logger
}

// NewChecker creates an access-control checker.
func NewChecker(cfg *config.SecurityConfig, logger *zap.Logger) *Checker {
	return &Checker{cfg: cfg, logger: logger.Named("security")}
}

// Authorize checks op against the ACPs that govern target. For CREATE the
// caller passes the parent as target, since the new resource does not
// exist yet. Access to an ACP resource itself is governed by its own pvs
// block. Returns a 4103 error on denial.
//
// When the target carries no acpi, policies are inherited from the
// nearest ancestor that has one; with no applicable policy anywhere in
// the chain, only the resource's creator keeps access.
func (c *Checker) Authorize(ctx context.Context, tx storage.Tx, originator string, op onem2m.Operation, target *resource.Resource) error {
	if !c.cfg.EnableACPChecks {
		return nil
	}
	if c.cfg.FullAccessAdmin && originator == c.cfg.AdminOriginator {
		return nil
	}

	// ACP resources guard themselves through pvs.
	if target.Type == onem2m.TypeACP {
		if allowed := matchACRs(selfPrivileges(target), originator, op.Permission()); allowed {
			return nil
		}
		return deny(originator, op)
	}

	acpIDs, err := c.governingACPs(ctx, tx, target)
	if err != nil {
		return err
	}
	if len(acpIDs) == 0 {
		if cr, _ := target.Attributes["cr"].(string); cr != "" && cr == originator {
			return nil
		}
		return deny(originator, op)
	}

	perm := op.Permission()
	for _, ri := range acpIDs {
		acp, err := tx.Resource(ctx, ri)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("acpi references missing policy", zap.String("acp", ri))
				continue
			}
			return err
		}
		if matchACRs(privileges(acp), originator, perm) {
			return nil
		}
	}
	return deny(originator, op)
}

// governingACPs returns the acpi of target, or of the nearest ancestor
// that carries one.
func (c *Checker) governingACPs(ctx context.Context, tx storage.Tx, target *resource.Resource) ([]string, error) {
	res := target
	for {
		if ids := res.ACPI(); len(ids) > 0 {
			return ids, nil
		}
		pi := res.PI()
		if pi == "" {
			return nil, nil
		}
		parent, err := tx.Resource(ctx, pi)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		res = parent
	}
}

func deny(originator string, op onem2m.Operation) error {
	return onem2m.Errorf(onem2m.RSCOriginatorHasNoPrivilege,
		"originator %s has no %s privilege", originator, op)
}

// acr is one access-control rule: originator patterns plus a permission
// mask.
type acr struct {
	acor []string
	acop onem2m.Permission
}

// privileges extracts pv.acr from an ACP resource.
func privileges(acp *resource.Resource) []acr {
	return extractACRs(acp, "pv")
}

// selfPrivileges extracts pvs.acr from an ACP resource.
func selfPrivileges(acp *resource.Resource) []acr {
	return extractACRs(acp, "pvs")
}

func extractACRs(acp *resource.Resource, attr string) []acr {
	block, ok := acp.Attributes[attr].(map[string]any)
	if !ok {
		return nil
	}
	rules, ok := block["acr"].([]any)
	if !ok {
		return nil
	}
	out := make([]acr, 0, len(rules))
	for _, raw := range rules {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		var rule acr
		if list, ok := entry["acor"].([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					rule.acor = append(rule.acor, s)
				}
			}
		}
		if n, ok := entry["acop"].(float64); ok {
			rule.acop = onem2m.Permission(int(n))
		}
		out = append(out, rule)
	}
	return out
}

// matchACRs reports whether any rule whose acor matches the originator
// carries the requested permission. Masks of all matching rules OR
// together.
func matchACRs(rules []acr, originator string, perm onem2m.Permission) bool {
	var granted onem2m.Permission
	for _, rule := range rules {
		for _, pattern := range rule.acor {
			if MatchOriginator(pattern, originator) {
				granted |= rule.acop
				break
			}
		}
	}
	return granted&perm != 0
}

// MatchOriginator matches an acor pattern against an originator. Patterns
// support `*` (any run, slashes included) and `?` (any single character);
// the reserved pattern "all" matches every originator. A bare CSE-ID
// pattern also matches SP-relative originators under that CSE.
func MatchOriginator(pattern, originator string) bool {
	if pattern == acorAll {
		return true
	}
	if pattern == originator {
		return true
	}
	// "/id-in" grants "/id-in/Cfoo" style originators too.
	if strings.HasPrefix(pattern, "/") && !strings.ContainsAny(pattern, "*?") {
		if strings.HasPrefix(originator, pattern+"/") {
			return true
		}
	}
	return wildcardMatch(pattern, originator)
}

// wildcardMatch is a greedy glob over the full originator string.
func wildcardMatch(pattern, s string) bool {
	p, n := 0, 0
	star, mark := -1, 0
	for n < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[n]):
			p++
			n++
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, n
			p++
		case star >= 0:
			p = star + 1
			mark++
			n = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
