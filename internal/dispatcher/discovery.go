package dispatcher

import (
	"context"
	"sort"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// doDiscovery walks the subtree under the target and returns the
// addresses of matching resources as m2m:uril.
func (d *Dispatcher) doDiscovery(ctx context.Context, req *onem2m.Request, addr onem2m.Address) (*onem2m.Response, error) {
	fc := req.FC
	if fc == nil {
		fc = &onem2m.FilterCriteria{}
	}

	var uril []string
	err := d.store.View(ctx, func(tx storage.Tx) error {
		t, err := d.resolveTarget(ctx, tx, addr.Path)
		if err != nil {
			return err
		}
		if err := d.checker.Authorize(ctx, tx, req.From, onem2m.OpDiscovery, t.res); err != nil {
			return err
		}
		uril, err = d.discover(ctx, tx, req, t, fc)
		return err
	})
	if err != nil {
		return nil, err
	}

	return onem2m.SuccessResponse(req, onem2m.RSCOK,
		map[string]any{"m2m:uril": uril}, d.cfg.CSE.CSEID), nil
}

type discoveryNode struct {
	res   *resource.Resource
	depth int
}

func (d *Dispatcher) discover(ctx context.Context, tx storage.Tx, req *onem2m.Request, root *target, fc *onem2m.FilterCriteria) ([]string, error) {
	queue := []discoveryNode{{res: root.res, depth: 0}}
	var matches []string

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		if fc.Lvl > 0 && node.depth >= fc.Lvl {
			continue
		}
		children, err := tx.Children(ctx, node.res.RI())
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			queue = append(queue, discoveryNode{res: c, depth: node.depth + 1})

			if !d.discoverable(ctx, tx, req.From, c) {
				continue
			}
			if !matchFilter(c, fc) {
				continue
			}
			ref, err := d.resourceAddress(ctx, tx, c, req.DRT)
			if err != nil {
				continue
			}
			matches = append(matches, ref)
		}
	}

	if d.cfg.CSE.SortDiscoveredResources {
		sort.Strings(matches)
	}
	if fc.Ofst > 0 {
		if fc.Ofst >= len(matches) {
			matches = nil
		} else {
			matches = matches[fc.Ofst:]
		}
	}
	if fc.Lim > 0 && len(matches) > fc.Lim {
		matches = matches[:fc.Lim]
	}
	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}

// discoverable filters out resources the originator may not see and the
// bookkeeping types discovery never returns.
func (d *Dispatcher) discoverable(ctx context.Context, tx storage.Tx, originator string, res *resource.Resource) bool {
	if res.Type == onem2m.TypeRequest {
		return false
	}
	if d.cfg.Registrar.ExcludeCSRFromDiscovery &&
		res.Type == onem2m.TypeRemoteCSE &&
		res.Attributes["csi"] == d.cfg.Registrar.CSEID {
		return false
	}
	return d.checker.Authorize(ctx, tx, originator, onem2m.OpDiscovery, res) == nil
}

// resourceAddress renders the resource per the desired-result-type: 1
// (default) structured, 2 unstructured.
func (d *Dispatcher) resourceAddress(ctx context.Context, tx storage.Tx, res *resource.Resource, drt int) (string, error) {
	if drt == 2 {
		return res.RI(), nil
	}
	return tx.SRN(ctx, res.RI())
}

// matchFilter evaluates the filter criteria against one resource. Absent
// conditions do not participate; present ones combine per fo (AND
// default).
func matchFilter(res *resource.Resource, fc *onem2m.FilterCriteria) bool {
	var conds []bool

	if len(fc.Ty) > 0 {
		hit := false
		for _, ty := range fc.Ty {
			if res.Type == ty {
				hit = true
				break
			}
		}
		conds = append(conds, hit)
	}
	if len(fc.Lbl) > 0 {
		hit := false
		labels := res.Labels()
		for _, want := range fc.Lbl {
			for _, have := range labels {
				if want == have {
					hit = true
				}
			}
		}
		conds = append(conds, hit)
	}
	// Basic-form timestamps compare lexicographically.
	if fc.CRA != "" {
		conds = append(conds, res.CT() >= fc.CRA)
	}
	if fc.CRB != "" {
		conds = append(conds, res.CT() < fc.CRB)
	}
	if fc.MS != "" {
		conds = append(conds, res.LT() >= fc.MS)
	}
	if fc.US != "" {
		conds = append(conds, res.LT() <= fc.US)
	}
	if fc.SZA > 0 {
		conds = append(conds, res.ContentSize() > fc.SZA)
	}
	if fc.SZB > 0 {
		conds = append(conds, res.ContentSize() < fc.SZB)
	}

	if len(conds) == 0 {
		return true
	}
	if fc.FO == onem2m.FOOr {
		for _, c := range conds {
			if c {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !c {
			return false
		}
	}
	return true
}
