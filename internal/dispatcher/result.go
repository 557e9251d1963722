package dispatcher

import (
	"context"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// shapeSingle shapes a freshly created resource per the request's rcn.
func (d *Dispatcher) shapeSingle(req *onem2m.Request, res *resource.Resource, srn string) map[string]any {
	switch req.RCN {
	case onem2m.RCNNothing:
		return nil
	case onem2m.RCNHierarchicalAddress:
		return map[string]any{"m2m:uri": srn}
	case onem2m.RCNAddressAndAttributes:
		return map[string]any{
			"m2m:uri":            srn,
			res.Type.ShortName(): res.Attributes,
		}
	default:
		return res.Representation()
	}
}

// shapeRetrieve shapes a retrieved resource per rcn, with the partial
// retrieve attribute list taking precedence when the request speaks
// release 5.
func (d *Dispatcher) shapeRetrieve(ctx context.Context, tx storage.Tx, req *onem2m.Request, res *resource.Resource) (map[string]any, error) {
	if len(req.Atrl) > 0 {
		if req.RVI != onem2m.Release5 {
			return nil, onem2m.ErrBadRequest("partial retrieve requires release 5")
		}
		return res.PartialRepresentation(req.Atrl), nil
	}

	switch req.RCN {
	case onem2m.RCNNothing:
		return nil, nil
	case onem2m.RCNHierarchicalAddress:
		srn, err := tx.SRN(ctx, res.RI())
		if err != nil {
			return nil, err
		}
		return map[string]any{"m2m:uri": srn}, nil
	case onem2m.RCNAttributesAndChildren:
		rep := res.Clone()
		kids, err := d.childResources(ctx, tx, res)
		if err != nil {
			return nil, err
		}
		for k, v := range kids {
			rep.Attributes[k] = v
		}
		return rep.Representation(), nil
	case onem2m.RCNAttributesAndChildRefs:
		rep := res.Clone()
		refs, err := d.childRefs(ctx, tx, res)
		if err != nil {
			return nil, err
		}
		rep.Attributes["ch"] = refs
		return rep.Representation(), nil
	case onem2m.RCNChildRefs:
		refs, err := d.childRefs(ctx, tx, res)
		if err != nil {
			return nil, err
		}
		return map[string]any{"m2m:ch": refs}, nil
	case onem2m.RCNChildResources:
		kids, err := d.childResources(ctx, tx, res)
		if err != nil {
			return nil, err
		}
		return map[string]any{res.Type.ShortName(): kids}, nil
	case onem2m.RCNOriginalResource:
		// For announced resources the original lives at a remote CSE;
		// the local representation is what this CSE can answer with.
		return res.Representation(), nil
	default:
		return res.Representation(), nil
	}
}

// childResources groups the direct children by their wrapper short name,
// each as a list of attribute maps.
func (d *Dispatcher) childResources(ctx context.Context, tx storage.Tx, res *resource.Resource) (map[string]any, error) {
	children, err := tx.Children(ctx, res.RI())
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	for _, c := range children {
		key := c.Type.ShortName()
		list, _ := out[key].([]any)
		out[key] = append(list, c.Attributes)
	}
	return out, nil
}

// childRefs builds childResourceRef entries {nm, typ, val} for the direct
// children.
func (d *Dispatcher) childRefs(ctx context.Context, tx storage.Tx, res *resource.Resource) ([]any, error) {
	children, err := tx.Children(ctx, res.RI())
	if err != nil {
		return nil, err
	}
	refs := make([]any, 0, len(children))
	for _, c := range children {
		srn, err := tx.SRN(ctx, c.RI())
		if err != nil {
			continue
		}
		refs = append(refs, map[string]any{
			"nm":  c.RN(),
			"typ": float64(c.Type),
			"val": srn,
		})
	}
	return refs, nil
}
