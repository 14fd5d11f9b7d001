// Package registry is the public entry point of the pipeline:
// RegisterSecureDecision fingerprints a decision, short-circuits if it is
// already recorded, and otherwise drives a submission to confirmation.
//
// # Idempotency
//
// Calls for the same decision fingerprint serialize on a per-fingerprint
// lock held from the ledger check until the ledger write, so two concurrent
// calls for one decision produce one broadcast. The ledger's atomic
// insert-if-absent backs this up across processes sharing a ledger.
//
// # Operator contract
//
// A returned Result means the decision is recorded exactly once in the local
// ledger. An error means nothing was recorded. The one ambiguity is on-chain:
// a crash between inclusion and the ledger write, or a confirmation timeout
// for a transaction that lands later, can emit the event more than once.
// Enabling the on-chain index closes the crash case for events within the
// lookback window.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gaboibarra/fraudchain/internal/chain"
	"github.com/gaboibarra/fraudchain/internal/clock"
	"github.com/gaboibarra/fraudchain/internal/failure"
	"github.com/gaboibarra/fraudchain/internal/fingerprint"
	"github.com/gaboibarra/fraudchain/internal/keylock"
	"github.com/gaboibarra/fraudchain/internal/ledger"
	"github.com/gaboibarra/fraudchain/internal/metrics"
	"github.com/gaboibarra/fraudchain/internal/oracle"
	"github.com/gaboibarra/fraudchain/internal/submit"
)

// Submitter drives one write to a terminal state. *submit.Submitter implements it.
type Submitter interface {
	SubmitWithRetry(ctx context.Context, decision, reference fingerprint.Fingerprint) (submit.Confirmation, error)
}

// OnChainIndex finds existing registrations on-chain. chain.EventIndex implements it.
type OnChainIndex interface {
	FindRegistration(ctx context.Context, decision fingerprint.Fingerprint) (*chain.Registration, error)
}

// Decision is one scoring decision to register.
type Decision struct {
	Features  map[string]float64
	Threshold float64

	// Reference is an optional caller transaction reference. When empty a
	// timestamp nonce is fingerprinted instead.
	Reference string
}

// Service orchestrates fingerprinting, the ledger check and submission.
//
// Thread-safety: safe for concurrent use.
type Service struct {
	ledger    ledger.Store
	submitter Submitter
	locks     keylock.Map[fingerprint.Fingerprint]

	oracle oracle.Oracle
	index  OnChainIndex
	ids    IDGenerator
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithOracle enables Evaluate.
func WithOracle(o oracle.Oracle) Option {
	return func(s *Service) { s.oracle = o }
}

// WithOnChainIndex enables the on-chain duplicate check before broadcasting.
func WithOnChainIndex(ix OnChainIndex) Option {
	return func(s *Service) { s.index = ix }
}

// WithIDGenerator replaces the UUIDv7 registration id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock replaces the wall clock used for timestamp references and latency.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service.
func New(store ledger.Store, sub Submitter, opts ...Option) *Service {
	s := &Service{
		ledger:    store,
		submitter: sub,
		ids:       UUIDv7Generator{},
		clock:     clock.System{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger returns the idempotency ledger.
func (s *Service) Ledger() ledger.Store {
	return s.ledger
}

// RegisterSecureDecision records d on-chain at most once per decision
// fingerprint.
//
// Returns OutcomeSkipped without any network call when the fingerprint is
// already in the ledger. Invalid features or threshold fail with
// KindValidation before any side effect.
func (s *Service) RegisterSecureDecision(ctx context.Context, d Decision) (Result, error) {
	decision, err := fingerprint.Decision(d.Features, d.Threshold)
	if err != nil {
		return Result{}, err
	}
	reference := fingerprint.ReferenceOrTimestamp(d.Reference, s.clock.Now())
	return s.RegisterFingerprints(ctx, decision, reference)
}

// RegisterHex parses 0x-hex fingerprints and registers them.
// Anything other than exactly 32 bytes fails with KindValidation before any
// ledger or network access.
func (s *Service) RegisterHex(ctx context.Context, decisionHex, referenceHex string) (Result, error) {
	decision, err := fingerprint.Parse(decisionHex)
	if err != nil {
		return Result{}, err
	}
	reference, err := fingerprint.Parse(referenceHex)
	if err != nil {
		return Result{}, err
	}
	return s.RegisterFingerprints(ctx, decision, reference)
}

// RegisterFingerprints registers precomputed fingerprints. Any 32-byte value
// is a valid decision fingerprint, including all zeros.
//
// Only one registration per fingerprint runs at a time. If ctx ends while
// waiting for another one to finish, the error is a KindTransient failure
// wrapping ctx.Err() and neither the ledger nor the chain is touched.
func (s *Service) RegisterFingerprints(ctx context.Context, decision, reference fingerprint.Fingerprint) (Result, error) {
	id := s.ids.Generate()
	logger := s.logger.With("registration_id", id, "decision", decision.Short())
	start := s.clock.Now()
	defer func() {
		metrics.RegistrationDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}()

	unlock, err := s.locks.Lock(ctx, decision)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Warn("gave up waiting for in-flight registration", "error", err)
		return Result{}, failure.Wrap(failure.KindTransient, "waiting for in-flight registration of "+decision.Short(), err)
	}
	defer unlock()

	base := Result{RegistrationID: id, Decision: decision, Reference: reference}

	exists, err := s.ledger.Exists(ctx, decision)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return Result{}, err
	}
	if exists {
		logger.Info("decision already recorded, skipping")
		return s.skipped(base, ReasonAlreadyRecorded), nil
	}

	if s.index != nil {
		if res, ok := s.reconcile(ctx, logger, base); ok {
			return res, nil
		}
	}

	logger.Info("registering decision", "reference", reference.Short())
	conf, err := s.submitter.SubmitWithRetry(ctx, decision, reference)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Error("registration failed", "kind", failure.KindOf(err), "error", err)
		return Result{}, err
	}

	metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeConfirmed).Inc()
	logger.Info("decision registered",
		"tx_hash", conf.TxHash.Hex(),
		"block", conf.BlockNumber,
		"attempts", conf.Attempts,
	)

	res := base
	res.Outcome = OutcomeConfirmed
	res.TxHash = conf.TxHash
	res.BlockNumber = conf.BlockNumber
	res.Nonce = conf.Nonce
	res.Attempts = conf.Attempts
	return res, nil
}

// reconcile looks for an on-chain registration the ledger missed and records it.
// Lookup failures are logged and the registration proceeds: the local ledger
// remains the primary defense.
func (s *Service) reconcile(ctx context.Context, logger *slog.Logger, base Result) (Result, bool) {
	found, err := s.index.FindRegistration(ctx, base.Decision)
	if err != nil {
		logger.Warn("on-chain duplicate check failed, continuing", "error", err)
		return Result{}, false
	}
	if found == nil {
		return Result{}, false
	}

	err = s.ledger.Append(ctx, ledger.Entry{
		Decision:    base.Decision,
		Reference:   found.Reference,
		TxHash:      found.TxHash,
		BlockNumber: found.BlockNumber,
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		logger.Warn("could not record reconciled registration", "tx_hash", found.TxHash.Hex(), "error", err)
	}

	logger.Info("decision found on-chain, skipping",
		"tx_hash", found.TxHash.Hex(),
		"block", found.BlockNumber,
	)
	res := s.skipped(base, ReasonFoundOnChain)
	res.Reference = found.Reference
	res.TxHash = found.TxHash
	res.BlockNumber = found.BlockNumber
	return res, true
}

func (s *Service) skipped(base Result, reason string) Result {
	metrics.RegistrationsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
	metrics.SkipsTotal.WithLabelValues(reason).Inc()
	base.Outcome = OutcomeSkipped
	base.Reason = reason
	return base
}

// Evaluate scores features with the configured oracle and registers the
// decision when it is secure (score below threshold).
//
// Features are projected onto the oracle's declared order before scoring and
// fingerprinting, so absent features count as zero and extra ones are ignored.
// The returned Evaluation is populated even when registration fails.
func (s *Service) Evaluate(ctx context.Context, features map[string]float64, reference string) (Evaluation, error) {
	if s.oracle == nil {
		return Evaluation{}, failure.Configuration("no decision oracle configured")
	}
	start := s.clock.Now()

	vec := oracle.Vectorize(s.oracle.Features(), features)
	score, err := s.oracle.Score(vec)
	if err != nil {
		return Evaluation{}, failure.Wrap(failure.KindValidation, "score features", err)
	}
	threshold := s.oracle.Threshold()
	label := oracle.Label(score, threshold)

	decision, err := fingerprint.Decision(vec, threshold)
	if err != nil {
		return Evaluation{}, err
	}

	ev := Evaluation{
		Score:     score,
		Threshold: threshold,
		Label:     label,
		Secure:    label == 0,
		Decision:  decision,
		Reference: fingerprint.ReferenceOrTimestamp(reference, start),
	}
	if ev.Secure {
		metrics.DecisionsTotal.WithLabelValues("secure").Inc()
	} else {
		metrics.DecisionsTotal.WithLabelValues("fraud").Inc()
	}

	if ev.Secure {
		res, err := s.RegisterFingerprints(ctx, ev.Decision, ev.Reference)
		if err != nil {
			ev.LatencyMS = latencyMS(s.clock.Now().Sub(start))
			return ev, err
		}
		ev.OnChain = &res
	}
	ev.LatencyMS = latencyMS(s.clock.Now().Sub(start))
	return ev, nil
}

func latencyMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
