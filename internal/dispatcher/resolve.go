package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/storage"
)

// target is a resolved request target: a concrete resource plus an
// optional virtual child name (la, ol, fopt, pcu).
type target struct {
	res     *resource.Resource
	srn     string
	virtual string
}

// virtualName normalizes the virtual child aliases; empty means not
// virtual.
func virtualName(seg string) string {
	switch seg {
	case "la", "latest":
		return "la"
	case "ol", "oldest":
		return "ol"
	case "fopt":
		return "fopt"
	case "pcu":
		return "pcu"
	}
	return ""
}

// resolveTarget maps a CSE-local path to a stored resource. Accepted
// forms: empty (CSEBase), structured names rooted at the CSEBase resource
// name (with "-" as its alias), unstructured ri, and hybrid ri/suffix
// paths. A trailing virtual segment is split off and returned in
// target.virtual.
func (d *Dispatcher) resolveTarget(ctx context.Context, tx storage.Tx, path string) (*target, error) {
	cbRN := d.cfg.CSE.ResourceName

	if path == "" {
		path = cbRN
	}
	if path == "-" || strings.HasPrefix(path, "-/") {
		path = cbRN + strings.TrimPrefix(path, "-")
	}

	addr := onem2m.Address{Path: path}
	if addr.IsStructured(cbRN) {
		return d.resolveStructured(ctx, tx, path)
	}
	return d.resolveHybrid(ctx, tx, path)
}

func (d *Dispatcher) resolveStructured(ctx context.Context, tx storage.Tx, srn string) (*target, error) {
	res, err := tx.ResourceBySRN(ctx, srn)
	if err == nil {
		return &target{res: res, srn: srn}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	// The full name does not resolve; a trailing virtual segment may.
	i := strings.LastIndexByte(srn, '/')
	if i < 0 {
		return nil, onem2m.ErrNotFound(srn)
	}
	v := virtualName(srn[i+1:])
	if v == "" {
		return nil, onem2m.ErrNotFound(srn)
	}
	parent, err := tx.ResourceBySRN(ctx, srn[:i])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, onem2m.ErrNotFound(srn)
		}
		return nil, err
	}
	return &target{res: parent, srn: srn[:i], virtual: v}, nil
}

// resolveHybrid walks an unstructured ri optionally followed by rn
// segments and/or a trailing virtual name.
func (d *Dispatcher) resolveHybrid(ctx context.Context, tx storage.Tx, path string) (*target, error) {
	segs := strings.Split(path, "/")
	cur, err := tx.Resource(ctx, segs[0])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, onem2m.ErrNotFound(path)
		}
		return nil, err
	}

	for i, seg := range segs[1:] {
		last := i == len(segs)-2
		if last {
			if v := virtualName(seg); v != "" {
				srn, _ := tx.SRN(ctx, cur.RI())
				return &target{res: cur, srn: srn, virtual: v}, nil
			}
		}
		child, err := tx.ChildByName(ctx, cur.RI(), seg)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, onem2m.ErrNotFound(path)
			}
			return nil, err
		}
		cur = child
	}

	srn, err := tx.SRN(ctx, cur.RI())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return &target{res: cur, srn: srn}, nil
}

// resolveVirtual materializes la/ol into the concrete content instance.
// fopt and pcu are handled by their own paths and rejected here.
func (d *Dispatcher) resolveVirtual(ctx context.Context, tx storage.Tx, t *target) (*resource.Resource, error) {
	switch t.virtual {
	case "la", "ol":
		if t.res.Type != onem2m.TypeContainer && t.res.Type != onem2m.TypeTimeSeries {
			return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed,
				"%s is not defined for resource type %d", t.virtual, t.res.Type)
		}
		children, err := tx.Children(ctx, t.res.RI())
		if err != nil {
			return nil, err
		}
		var instances []*resource.Resource
		for _, c := range children {
			if c.Type == onem2m.TypeContentInstance {
				instances = append(instances, c)
			}
		}
		if len(instances) == 0 {
			return nil, onem2m.ErrNotFound(t.srn + "/" + t.virtual)
		}
		if t.virtual == "la" {
			return instances[len(instances)-1], nil
		}
		return instances[0], nil
	case "fopt":
		return nil, onem2m.Errorf(onem2m.RSCOperationNotAllowed, "fan-out point is not a retrievable resource")
	case "pcu":
		return nil, onem2m.Errorf(onem2m.RSCNotImplemented, "polling channel URI is not supported")
	default:
		return t.res, nil
	}
}
