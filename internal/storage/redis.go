package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/resource"
)

// Redis key layout.
//
//	res:<ri>         (string) JSON document {ty, srn, attrs}
//	srn:<srn>        (string) ri                 — identifiers table
//	children:<pi>    (list)   child ri in creation order
//	ty:<n>           (set)    ri by resource type
//	sub:parent:<pi>  (set)    subscription ri by parent
//	subs:all         (set)    all subscription ri
//	expiry           (zset)   ri scored by et as unix seconds
//	stats            (hash)   operation counters
const (
	resKeyPrefix       = "res:"
	srnKeyPrefix       = "srn:"
	childrenKeyPrefix  = "children:"
	typeKeyPrefix      = "ty:"
	subParentKeyPrefix = "sub:parent:"
	subsAllKey         = "subs:all"
	expiryKey          = "expiry"
	statsKey           = "stats"
)

// RedisStore implements Store on a Redis document layout.
//
// Writes within one Update call are staged and applied through a single
// TxPipeline, so they land atomically. Cross-transaction isolation relies
// on the dispatcher's per-ri serialization; the backend itself only
// guarantees that one commit is all-or-nothing.
type RedisStore struct {
	client redis.UniversalClient
}

// redisDoc is the stored form of one resource.
type redisDoc struct {
	Ty    onem2m.ResourceType `json:"ty"`
	SRN   string              `json:"srn"`
	Attrs map[string]any      `json:"attrs"`
}

// NewRedisStore creates a RedisStore from configuration.
func NewRedisStore(cfg *config.RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisStore{client: client}
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

type redisTx struct {
	s   *RedisStore
	ops []redisOp
}

type redisOpKind int

const (
	redisOpCreate redisOpKind = iota
	redisOpUpdate
	redisOpDelete
)

type redisOp struct {
	kind redisOpKind
	res  *resource.Resource
	srn  string
	ri   string
}

// View runs fn with direct read access.
func (r *RedisStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&redisTx{s: r})
}

// Update runs fn, validates the staged write set, and commits it through
// one transactional pipeline.
func (r *RedisStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx := &redisTx{s: r}
	if err := fn(tx); err != nil {
		return err
	}
	return r.commit(ctx, tx.ops)
}

func (r *RedisStore) commit(ctx context.Context, ops []redisOp) error {
	// Conflict checks before staging the pipeline. The dispatcher's
	// per-ri locks serialize competing writers on the same subtree.
	for i := range ops {
		op := &ops[i]
		switch op.kind {
		case redisOpCreate:
			exists, err := r.client.Exists(ctx, resKeyPrefix+op.res.RI()).Result()
			if err != nil {
				return fmt.Errorf("failed to check resource existence: %w", err)
			}
			if exists > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateID, op.res.RI())
			}
			exists, err = r.client.Exists(ctx, srnKeyPrefix+op.srn).Result()
			if err != nil {
				return fmt.Errorf("failed to check srn existence: %w", err)
			}
			if exists > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateName, op.srn)
			}
		case redisOpUpdate:
			doc, err := r.doc(ctx, op.res.RI())
			if err != nil {
				return err
			}
			op.res.Set("ty", float64(op.res.Type))
			// Preserve the stored srn; rn is immutable.
			op.srn = doc.SRN
		case redisOpDelete:
			if _, err := r.doc(ctx, op.ri); err != nil {
				return err
			}
		}
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.kind {
			case redisOpCreate:
				if err := r.stageWrite(ctx, pipe, op.res, op.srn); err != nil {
					return err
				}
				pipe.RPush(ctx, childrenKeyPrefix+op.res.PI(), op.res.RI())
				pipe.SAdd(ctx, typeKeyPrefix+strconv.Itoa(int(op.res.Type)), op.res.RI())
				if op.res.Type == onem2m.TypeSubscription {
					pipe.SAdd(ctx, subParentKeyPrefix+op.res.PI(), op.res.RI())
					pipe.SAdd(ctx, subsAllKey, op.res.RI())
				}
			case redisOpUpdate:
				if err := r.stageWrite(ctx, pipe, op.res, op.srn); err != nil {
					return err
				}
			case redisOpDelete:
				doc, err := r.doc(ctx, op.ri)
				if err != nil {
					return err
				}
				res := &resource.Resource{Type: doc.Ty, Attributes: doc.Attrs}
				pipe.Del(ctx, resKeyPrefix+op.ri)
				pipe.Del(ctx, srnKeyPrefix+doc.SRN)
				pipe.LRem(ctx, childrenKeyPrefix+res.PI(), 1, op.ri)
				pipe.Del(ctx, childrenKeyPrefix+op.ri)
				pipe.SRem(ctx, typeKeyPrefix+strconv.Itoa(int(doc.Ty)), op.ri)
				pipe.ZRem(ctx, expiryKey, op.ri)
				if doc.Ty == onem2m.TypeSubscription {
					pipe.SRem(ctx, subParentKeyPrefix+res.PI(), op.ri)
					pipe.SRem(ctx, subsAllKey, op.ri)
				}
				pipe.Del(ctx, subParentKeyPrefix+op.ri)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// stageWrite stages the document, srn mapping, and expiry index entry.
func (r *RedisStore) stageWrite(ctx context.Context, pipe redis.Pipeliner, res *resource.Resource, srn string) error {
	doc := redisDoc{Ty: res.Type, SRN: srn, Attrs: res.Attributes}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal resource %s: %w", res.RI(), err)
	}
	pipe.Set(ctx, resKeyPrefix+res.RI(), data, 0)
	pipe.Set(ctx, srnKeyPrefix+srn, res.RI(), 0)
	if et := res.ET(); et != "" {
		if t, err := onem2m.ParseTimestamp(et); err == nil {
			pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(t.Unix()), Member: res.RI()})
		}
	} else {
		pipe.ZRem(ctx, expiryKey, res.RI())
	}
	return nil
}

func (r *RedisStore) doc(ctx context.Context, ri string) (*redisDoc, error) {
	data, err := r.client.Get(ctx, resKeyPrefix+ri).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ri)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %s: %w", ri, err)
	}
	var doc redisDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource %s: %w", ri, err)
	}
	return &doc, nil
}

func (t *redisTx) Resource(ctx context.Context, ri string) (*resource.Resource, error) {
	doc, err := t.s.doc(ctx, ri)
	if err != nil {
		return nil, err
	}
	return &resource.Resource{Type: doc.Ty, Attributes: doc.Attrs}, nil
}

func (t *redisTx) ResourceBySRN(ctx context.Context, srn string) (*resource.Resource, error) {
	ri, err := t.s.client.Get(ctx, srnKeyPrefix+srn).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, srn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve srn %s: %w", srn, err)
	}
	return t.Resource(ctx, ri)
}

func (t *redisTx) SRN(ctx context.Context, ri string) (string, error) {
	doc, err := t.s.doc(ctx, ri)
	if err != nil {
		return "", err
	}
	return doc.SRN, nil
}

func (t *redisTx) ChildIDs(ctx context.Context, pi string) ([]string, error) {
	ids, err := t.s.client.LRange(ctx, childrenKeyPrefix+pi, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", pi, err)
	}
	return ids, nil
}

func (t *redisTx) Children(ctx context.Context, pi string) ([]*resource.Resource, error) {
	ids, err := t.ChildIDs(ctx, pi)
	if err != nil {
		return nil, err
	}
	out := make([]*resource.Resource, 0, len(ids))
	for _, ri := range ids {
		res, err := t.Resource(ctx, ri)
		if err != nil {
			// A dangling child link can appear between a delete's
			// pipeline steps; treat it as absent.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (t *redisTx) ChildByName(ctx context.Context, pi, rn string) (*resource.Resource, error) {
	children, err := t.Children(ctx, pi)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.RN() == rn {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, pi, rn)
}

func (t *redisTx) ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error) {
	return t.s.ResourcesByType(ctx, ty)
}

func (t *redisTx) Create(_ context.Context, res *resource.Resource, srn string) error {
	t.ops = append(t.ops, redisOp{kind: redisOpCreate, res: res.Clone(), srn: srn})
	return nil
}

func (t *redisTx) Update(_ context.Context, res *resource.Resource) error {
	t.ops = append(t.ops, redisOp{kind: redisOpUpdate, res: res.Clone()})
	return nil
}

func (t *redisTx) Delete(_ context.Context, ri string) error {
	t.ops = append(t.ops, redisOp{kind: redisOpDelete, ri: ri})
	return nil
}

// SubscriptionsByParent reads the per-parent subscription index.
func (r *RedisStore) SubscriptionsByParent(ctx context.Context, pi string) ([]*resource.Resource, error) {
	ids, err := r.client.SMembers(ctx, subParentKeyPrefix+pi).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %s: %w", pi, err)
	}
	return r.resolve(ctx, ids)
}

// Subscriptions reads the global subscription index.
func (r *RedisStore) Subscriptions(ctx context.Context) ([]*resource.Resource, error) {
	ids, err := r.client.SMembers(ctx, subsAllKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return r.resolve(ctx, ids)
}

// ResourcesByType reads the per-type index.
func (r *RedisStore) ResourcesByType(ctx context.Context, ty onem2m.ResourceType) ([]*resource.Resource, error) {
	ids, err := r.client.SMembers(ctx, typeKeyPrefix+strconv.Itoa(int(ty))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list resources of type %d: %w", ty, err)
	}
	return r.resolve(ctx, ids)
}

func (r *RedisStore) resolve(ctx context.Context, ids []string) ([]*resource.Resource, error) {
	out := make([]*resource.Resource, 0, len(ids))
	for _, ri := range ids {
		doc, err := r.doc(ctx, ri)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &resource.Resource{Type: doc.Ty, Attributes: doc.Attrs})
	}
	return out, nil
}

// ExpiredResources queries the expiry index up to now.
func (r *RedisStore) ExpiredResources(ctx context.Context, now string, limit int) ([]*resource.Resource, error) {
	t, err := onem2m.ParseTimestamp(now)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep timestamp: %w", err)
	}
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, expiryKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expiry index: %w", err)
	}
	return r.resolve(ctx, ids)
}

// IncrStat adds delta to a counter in the stats hash.
func (r *RedisStore) IncrStat(ctx context.Context, key string, delta int64) error {
	if err := r.client.HIncrBy(ctx, statsKey, key, delta).Err(); err != nil {
		return fmt.Errorf("failed to increment stat %s: %w", key, err)
	}
	return nil
}

// Stats reads all counters from the stats hash.
func (r *RedisStore) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
