// Package expiration removes resources whose expirationTime has passed.
package expiration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/storage"
)

// sweepBatchSize bounds one sweep pass so a large backlog cannot starve
// the tick.
const sweepBatchSize = 100

// Requester re-enters the request pipeline; expired resources are
// deleted through it so subscriptions on the parents still fire.
type Requester interface {
	Process(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// Sweeper periodically deletes expired resources.
type Sweeper struct {
	cfg       *config.Config
	store     storage.Store
	requester Requester
	logger    *zap.Logger
}

// NewSweeper creates the expiration sweeper.
func NewSweeper(cfg *config.Config, store storage.Store, requester Requester, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:       cfg,
		store:     store,
		requester: requester,
		logger:    logger.Named("expiration"),
	}
}

// Start schedules the sweep on the configured interval.
func (s *Sweeper) Start(sched *events.Scheduler) {
	sched.Every("expiration-sweep", s.cfg.CSE.CheckExpirationsInterval, s.Sweep)
}

// Sweep deletes every expired resource, batch by batch. Deletions run as
// the CSE itself through the full pipeline, so deletion notifications
// reach subscribers before the resources disappear.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := onem2m.Timestamp(time.Now().UTC())
	for {
		batch, err := s.store.ExpiredResources(ctx, now, sweepBatchSize)
		if err != nil {
			s.logger.Warn("expired resource scan failed", zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, res := range batch {
			s.remove(ctx, res.RI(), res.Type)
		}
		if len(batch) < sweepBatchSize {
			return
		}
	}
}

func (s *Sweeper) remove(ctx context.Context, ri string, ty onem2m.ResourceType) {
	resp := s.requester.Process(ctx, &onem2m.Request{
		Op:   onem2m.OpDelete,
		To:   ri,
		From: s.cfg.Security.AdminOriginator,
		RQI:  "exp-" + ri,
		RVI:  s.cfg.CSE.ReleaseVersion,
	})
	switch resp.RSC {
	case onem2m.RSCDeleted:
		observability.ExpiredResourcesTotal.Inc()
		s.logger.Debug("expired resource removed",
			zap.String("ri", ri), zap.Int("ty", int(ty)))
	case onem2m.RSCNotFound:
		// Already gone, typically as part of an expired ancestor's
		// subtree.
	default:
		s.logger.Warn("expired resource deletion failed",
			zap.String("ri", ri), zap.Int("rsc", int(resp.RSC)))
	}
}
