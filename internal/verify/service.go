// Package verify orchestrates one IMEI verification: validation, rate
// limiting, credit checks, caching, the provider chain, normalization and
// fraud scoring.
package verify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akl7777777/imei-intel/internal/cache"
	"github.com/akl7777777/imei-intel/internal/events"
	"github.com/akl7777777/imei-intel/internal/fraud"
	"github.com/akl7777777/imei-intel/internal/imei"
	"github.com/akl7777777/imei-intel/internal/ledger"
	"github.com/akl7777777/imei-intel/internal/logger"
	"github.com/akl7777777/imei-intel/internal/model"
	"github.com/akl7777777/imei-intel/internal/normalize"
	"github.com/akl7777777/imei-intel/internal/provider"
	"github.com/akl7777777/imei-intel/internal/ratelimit"
)

// anonymousCaller is the rate-limit key for requests without one.
const anonymousCaller = "anonymous"

// Deps are the collaborators of a Service. Cache, Limiter, Ledger and
// Chain are required; the rest have defaults.
type Deps struct {
	Cache   *cache.Cache
	Limiter ratelimit.Limiter
	Ledger  ledger.Ledger
	Chain   *provider.Chain
	Events  events.Publisher
	Metrics *Metrics
	Logger  logrus.FieldLogger
	Clock   func() time.Time
}

// Service is the verification engine.
type Service struct {
	cache   *cache.Cache
	limiter ratelimit.Limiter
	ledger  ledger.Ledger
	chain   *provider.Chain
	events  events.Publisher
	metrics *Metrics
	log     logrus.FieldLogger
	now     func() time.Time
	tracer  trace.Tracer
	locks   *keyedMutex
}

func NewService(d Deps) *Service {
	s := &Service{
		cache:   d.Cache,
		limiter: d.Limiter,
		ledger:  d.Ledger,
		chain:   d.Chain,
		events:  d.Events,
		metrics: d.Metrics,
		log:     logger.Component(d.Logger, "verify"),
		now:     d.Clock,
		tracer:  otel.Tracer("github.com/akl7777777/imei-intel/internal/verify"),
		locks:   newKeyedMutex(),
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Verify runs one verification. Errors are always *Error.
func (s *Service) Verify(ctx context.Context, req model.VerificationRequest) (*model.VerificationResult, error) {
	ctx, span := s.tracer.Start(ctx, "verify.Verify", trace.WithAttributes(
		attribute.String("imei.mode", string(req.Mode)),
		attribute.String("imei.tac", imei.TAC(req.Identifier)),
	))
	defer span.End()

	res, err := s.verify(ctx, req)

	modeLabel := string(req.Mode)
	switch {
	case req.Mode == "":
		modeLabel = string(model.ModeBasic)
	case !req.Mode.Valid():
		modeLabel = "invalid"
	}
	outcome := "success"
	var verr *Error
	switch {
	case errors.As(err, &verr):
		outcome = string(verr.Kind)
		span.SetStatus(codes.Error, outcome)
	case res != nil && res.Cached:
		outcome = "cached"
	}
	span.SetAttributes(attribute.String("imei.outcome", outcome))
	s.metrics.verifications.WithLabelValues(modeLabel, outcome).Inc()

	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) verify(ctx context.Context, req model.VerificationRequest) (*model.VerificationResult, error) {
	id := req.Identifier
	if !imei.Validate(id) {
		return nil, newError(KindInvalidIdentifier, "identifier must be 15 digits with a valid check digit", nil)
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeBasic
	}
	if !mode.Valid() {
		return nil, newError(KindInvalidMode, `mode must be "basic" or "full"`, nil)
	}
	req.Identifier, req.Mode = id, mode

	log := s.log.WithFields(logrus.Fields{"tac": imei.TAC(id), "mode": mode, "tenant": req.TenantID})

	// Rate limit. A broken limiter lets the request through.
	callerKey := req.CallerKey
	if callerKey == "" {
		callerKey = anonymousCaller
	}
	degraded := false
	decision, err := s.limiter.Allow(ctx, callerKey)
	switch {
	case err != nil:
		log.WithError(err).Warn("rate limiter unavailable, allowing request")
		degraded = true
	case !decision.Allowed:
		e := newError(KindRateLimited, "too many verification requests, retry later", nil)
		e.RetryAfter = decision.RetryAfter
		return nil, e
	}

	// Credit check, full mode only. Tenants without a ledger entry are not metered.
	metered := false
	if mode.Billable() && req.TenantID != "" {
		var ok bool
		metered, ok, err = s.ledger.HasCredit(ctx, req.TenantID)
		if err != nil {
			log.WithError(err).Error("credit check failed")
			return nil, newError(KindInternal, "credit check unavailable", err)
		}
		if !ok {
			return nil, newError(KindCreditExhausted, "subscription credits exhausted", nil)
		}
	}

	unlock, err := s.locks.Lock(ctx, cache.Key(id, mode))
	if err != nil {
		return nil, newError(KindCanceled, "request canceled", err)
	}
	defer unlock()

	if entry, ok := s.cache.Get(ctx, id, mode); ok {
		s.metrics.cacheHits.WithLabelValues(string(mode)).Inc()
		log.Debug("served from cache")
		res := s.result(entry, true, 0)
		res.RateLimitDegraded = degraded
		return res, nil
	}

	payload, providerName, _, err := s.chain.Run(ctx, id, mode)
	if err != nil {
		var exhausted *provider.ExhaustedError
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, newError(KindCanceled, "request canceled", err)
		case errors.As(err, &exhausted):
			e := newError(KindAllProvidersExhausted, "no verification provider could complete the check", err)
			e.Attempts = exhausted.Attempts
			return nil, e
		default:
			return nil, newError(KindInternal, "verification failed", err)
		}
	}

	rec, err := normalize.Normalize(payload, id, mode)
	if err != nil {
		log.WithError(err).WithField("provider", providerName).Error("normalization failed")
		return nil, newError(KindNormalization, "provider returned an unreadable result", err)
	}
	assessment := fraud.Score(rec)
	s.metrics.fraudScore.Observe(float64(assessment.FraudScore))

	entry := &model.CacheEntry{Record: rec, Assessment: assessment, Provider: providerName}
	if err := s.cache.Put(ctx, id, mode, entry); err != nil {
		log.WithError(err).Warn("result not cached")
	}

	charged := 0
	if metered {
		switch err := s.ledger.Consume(ctx, req.TenantID); {
		case err == nil:
			charged = 1
			s.metrics.creditsConsumed.Inc()
		case errors.Is(err, ledger.ErrCreditExhausted):
			s.metrics.creditsUncharged.Inc()
			log.WithField("provider", providerName).Error("plan filled up during verification, result not charged")
		default:
			s.metrics.creditsUncharged.Inc()
			log.WithError(err).WithField("provider", providerName).Error("credit consume failed, result not charged")
		}
	}

	res := s.result(entry, false, charged)
	res.RateLimitDegraded = degraded

	if err := s.events.Publish(ctx, events.Completed(res, req.TenantID, s.now())); err != nil {
		log.WithError(err).Warn("event not published")
	}

	log.WithFields(logrus.Fields{
		"provider": providerName,
		"score":    assessment.FraudScore,
		"status":   assessment.OverallStatus,
	}).Info("verification completed")
	return res, nil
}

func (s *Service) result(e *model.CacheEntry, cached bool, charged int) *model.VerificationResult {
	rec := e.Record
	return &model.VerificationResult{
		Identifier:     rec.Identifier,
		Mode:           rec.Mode,
		CheckedAt:      s.now().UTC().Format(time.RFC3339),
		Cached:         cached,
		Provider:       e.Provider,
		Device:         rec.Device,
		Network:        rec.Network,
		Security:       rec.Security,
		Origin:         rec.Origin,
		Warranty:       rec.Warranty,
		AI:             e.Assessment,
		CreditsCharged: charged,
	}
}

// Stats reports cache, provider and limiter state.
func (s *Service) Stats(ctx context.Context) *model.StatsResponse {
	return &model.StatsResponse{
		CacheTTL:        s.cache.TTL().String(),
		CacheTiers:      s.cache.Stats(ctx),
		Providers:       s.chain.Status(ctx),
		RateLimitWindow: s.limiter.Window().String(),
		RateLimitMax:    s.limiter.Max(),
		LedgerBackend:   s.ledger.Name(),
	}
}

// Close releases the cache tiers, ledger and event publisher.
func (s *Service) Close() error {
	var errs []error
	if err := s.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.events.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
