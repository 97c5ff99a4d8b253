package recompute

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// maxUIDLength bounds target ids; longer values cannot be document ids.
const maxUIDLength = 255

// Config configures the recompute service
type Config struct {
	// Store holds the entitlement documents. Required.
	Store entitlement.Store

	// Metrics is optional; RecordRecompute is called once per request.
	Metrics billing.Metrics

	// Logger is optional.
	Logger entitlement.Logger

	// OnUpdated is optional and runs after a recompute wrote to the record,
	// for example to drop a cached copy.
	OnUpdated func(ctx context.Context, uid string)

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Request is the recompute input. An empty UID targets the caller.
type Request struct {
	UID string `json:"uid,omitempty"`
}

// BucketReport holds a bucket's window before and after the recompute
type BucketReport struct {
	Before entitlement.Window `json:"before"`
	After  entitlement.Window `json:"after"`
}

// TrialState is the trial marker stored after the recompute
type TrialState struct {
	HasActiveTrial bool   `json:"hasActiveTrial"`
	TrialType      string `json:"trialType,omitempty"`
}

// Response is the diagnostic payload returned to the caller
type Response struct {
	Success       bool             `json:"success"`
	UID           string           `json:"uid"`
	AccessTier    entitlement.Tier `json:"accessTier"`
	Updated       bool             `json:"updated"`
	UpdatedFields []string         `json:"updatedFields"`
	CME           BucketReport     `json:"cme"`
	BoardReview   BucketReport     `json:"boardReview"`
	Trial         TrialState       `json:"trial"`
}

// Service re-derives a user's access from the stored record and writes back
// only what changed.
type Service struct {
	store     entitlement.Store
	metrics   billing.Metrics
	logger    entitlement.Logger
	onUpdated func(ctx context.Context, uid string)
	now       func() time.Time
}

// NewService creates a recompute service
func NewService(config Config) (*Service, error) {
	if config.Store == nil {
		return nil, errors.New("recompute: store is required")
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Service{
		store:     config.Store,
		metrics:   config.Metrics,
		logger:    config.Logger,
		onUpdated: config.OnUpdated,
		now:       config.Now,
	}, nil
}

// Recompute authorizes the caller, reevaluates both subscription windows and
// the access tier, and writes the fields that differ from the stored record.
//
// Authorization happens before any read: a caller without the admin claim
// can only target itself.
func (s *Service) Recompute(ctx context.Context, caller *Caller, req Request) (*Response, error) {
	resp, err := s.recompute(ctx, caller, req)
	if err != nil {
		s.metrics.RecordRecompute(string(ErrorCode(err)))
		return nil, err
	}
	if resp.Updated {
		s.metrics.RecordRecompute("updated")
	} else {
		s.metrics.RecordRecompute("unchanged")
	}
	return resp, nil
}

func (s *Service) recompute(ctx context.Context, caller *Caller, req Request) (*Response, error) {
	if caller == nil || strings.TrimSpace(caller.UID) == "" {
		return nil, newError(CodeUnauthenticated, "authentication required", nil)
	}

	target := strings.TrimSpace(req.UID)
	if target == "" {
		target = caller.UID
	}
	if len(target) > maxUIDLength || strings.Contains(target, "/") {
		return nil, newError(CodeInvalidArgument, "uid is not a valid user id", nil)
	}
	if target != caller.UID && !caller.Admin {
		s.logger.Warn("recompute denied",
			entitlement.F("caller_uid", caller.UID),
			entitlement.F("target_uid", target),
		)
		return nil, newError(CodePermissionDenied, "only admins can recompute another user", nil)
	}

	record, err := s.store.GetRecord(ctx, target)
	if errors.Is(err, entitlement.ErrRecordNotFound) {
		return nil, newError(CodeNotFound, "no entitlement record for user", err)
	}
	if err != nil {
		s.logger.Error("recompute read failed", entitlement.F("user_id", target), entitlement.F("error", err))
		return nil, newError(CodeInternal, "failed to read entitlement record", err)
	}

	now := s.now()
	resp := &Response{
		UID: target,
		CME: BucketReport{Before: entitlement.ResolveWindow(record, entitlement.BucketCMEAnnual, now)},
		BoardReview: BucketReport{
			Before: entitlement.ResolveWindow(record, entitlement.BucketBoardReview, now),
		},
	}

	u := Corrections(record, now)
	next := entitlement.RecordFromMap(target, u.ApplyTo(record.ToMap()))
	tier := entitlement.ResolveRecord(next)
	u.Set(entitlement.FieldAccessTier, string(tier))

	diff := u.DiffAgainst(record)
	resp.UpdatedFields = diff.Fields()
	if len(diff) > 0 {
		diff.Set(entitlement.FieldUpdatedAt, now.UTC())
		if err := s.store.ApplyUpdate(ctx, target, diff); err != nil {
			s.logger.Error("recompute write failed", entitlement.F("user_id", target), entitlement.F("error", err))
			return nil, newError(CodeInternal, "failed to write entitlement record", err)
		}
		resp.Updated = true
		if s.onUpdated != nil {
			s.onUpdated(ctx, target)
		}
		for _, c := range []struct {
			bucket entitlement.Bucket
			window entitlement.Window
		}{
			{entitlement.BucketCMEAnnual, resp.CME.Before},
			{entitlement.BucketBoardReview, resp.BoardReview.Before},
		} {
			if c.window.FallbackActive {
				s.metrics.RecordWindowCorrection(string(c.bucket), c.window.EndSource)
			}
		}
	}
	next.AccessTier = tier

	resp.Success = true
	resp.AccessTier = tier
	resp.CME.After = entitlement.ResolveWindow(next, entitlement.BucketCMEAnnual, now)
	resp.BoardReview.After = entitlement.ResolveWindow(next, entitlement.BucketBoardReview, now)
	resp.Trial = TrialState{HasActiveTrial: next.HasActiveTrial, TrialType: next.TrialType}

	s.logger.Info("recompute complete",
		entitlement.F("caller_uid", caller.UID),
		entitlement.F("user_id", target),
		entitlement.F("access_tier", string(tier)),
		entitlement.F("updated_fields", strings.Join(resp.UpdatedFields, ",")),
	)
	return resp, nil
}

// Corrections returns the time-based fixes for a record: each bucket's active
// flag follows its resolved window, and a trial whose end has passed is
// cleared together with its end date (and the board copy of a cascaded CME
// trial). accessTier is not included.
func Corrections(r *entitlement.Record, now time.Time) entitlement.Update {
	u := entitlement.Update{}

	for _, b := range []struct {
		bucket entitlement.Bucket
		field  string
	}{
		{entitlement.BucketCMEAnnual, entitlement.FieldCMESubscriptionActive},
		{entitlement.BucketBoardReview, entitlement.FieldBoardReviewActive},
	} {
		if w := entitlement.ResolveWindow(r, b.bucket, now); w.FallbackActive {
			u.Set(b.field, w.StillActive)
		}
	}

	if r.HasActiveTrial {
		var trialEnd *time.Time
		var trialField string
		switch entitlement.Bucket(r.TrialType) {
		case entitlement.BucketCMEAnnual:
			trialEnd, trialField = r.CMETrialEndDate, entitlement.FieldCMETrialEndDate
		case entitlement.BucketBoardReview:
			trialEnd, trialField = r.BoardReviewTrialEndDate, entitlement.FieldBoardReviewTrialEndDate
		}
		if trialEnd != nil && !trialEnd.After(now) {
			u.Remove(entitlement.FieldHasActiveTrial)
			u.Remove(entitlement.FieldTrialType)
			u.Remove(trialField)
			// the cascade copied the CME trial end onto board review
			if trialField == entitlement.FieldCMETrialEndDate && r.BoardReviewTier == entitlement.PlanGrantedByCMEAnnual {
				u.Remove(entitlement.FieldBoardReviewTrialEndDate)
			}
		}
	}
	return u
}
