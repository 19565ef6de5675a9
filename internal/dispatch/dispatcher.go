package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/relay"
	"github.com/imrishuroy/screening-gateway/internal/tunnel"
)

// DefaultReceiveTimeout bounds the wait for a gateway acknowledgement.
const DefaultReceiveTimeout = 30 * time.Second

const maxRecordedResponse = 1024

const maxReserveAttempts = 3

// ErrUnexpectedResponse means the gateway answered with something other than
// a success acknowledgement.
var ErrUnexpectedResponse = errors.New("unexpected response from gateway")

// Outcome is the state a dispatch achieved.
type Outcome string

const (
	OutcomeConfirmed Outcome = "Confirmed"
	OutcomeSent      Outcome = "Sent"
	OutcomeFailed    Outcome = "Failed"
)

// Result describes a finished dispatch. Action is the persisted row after
// the dispatch; Reason is set for OutcomeFailed.
type Result struct {
	Outcome Outcome
	Reason  string
	Action  *actions.Action
}

// ActionStore is the part of the action store the dispatcher needs.
type ActionStore interface {
	Get(ctx context.Context, actionID string) (*actions.Action, error)
	Advance(ctx context.Context, a *actions.Action, to string, opts actions.AdvanceOptions) (*actions.Action, error)
}

// RelayResolver finds the active relay for a provider.
type RelayResolver interface {
	ForProvider(ctx context.Context, providerID string) (*relay.Relay, error)
}

// Tunnels hands out provider tunnels.
type Tunnels interface {
	Acquire(ctx context.Context, rel *relay.Relay) (*tunnel.Connection, error)
	Evict(c *tunnel.Connection)
}

// Recorder observes dispatch outcomes.
type Recorder interface {
	RecordOutcome(ctx context.Context, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(context.Context, string) {}

// Config holds the dispatcher's tunables.
type Config struct {
	ReceiveTimeout time.Duration
	Retry          RetryPolicy
	Metrics        Recorder
	Logger         *slog.Logger
}

// Dispatcher sends actions to gateways and records the result.
type Dispatcher struct {
	store          ActionStore
	relays         RelayResolver
	tunnels        Tunnels
	receiveTimeout time.Duration
	retry          RetryPolicy
	metrics        Recorder
	logger         *slog.Logger
	nowFunc        func() time.Time
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(store ActionStore, relays RelayResolver, tunnels Tunnels, cfg Config) *Dispatcher {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:          store,
		relays:         relays,
		tunnels:        tunnels,
		receiveTimeout: cfg.ReceiveTimeout,
		retry:          cfg.Retry,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With(slog.String("component", "dispatch")),
		nowFunc:        time.Now,
	}
}

// Dispatch sends the action's payload to its provider's gateway and waits for
// the acknowledgement. Per-action failures are recorded on the action and
// reported as OutcomeFailed with a nil error. A non-nil error means the action
// store could not be read or written, or ctx ended before anything was sent;
// the action then keeps its last persisted state for the sweeper.
//
// A connection carries one request at a time. Any reply that is abandoned
// (timeout, cancellation, failed persistence) evicts the connection so a late
// reply cannot be read as the answer to a later request.
func (d *Dispatcher) Dispatch(ctx context.Context, actionID string) (Result, error) {
	a, err := d.store.Get(ctx, actionID)
	if err != nil {
		return Result{}, errs.Wrapf(err, "load action %s", actionID)
	}
	if a == nil {
		return Result{}, fmt.Errorf("%w: %s", actions.ErrNotFound, actionID)
	}
	logger := d.logger.With(slog.String("action_id", a.ID), slog.String("provider_id", a.ProviderID))

	switch a.Status {
	case actions.StatusConfirmed:
		logger.Info("action already confirmed")
		return Result{Outcome: OutcomeConfirmed, Action: a}, nil
	case actions.StatusFailed:
		return Result{}, fmt.Errorf("%w: action %s is FAILED and must be retried first", actions.ErrInvalidTransition, a.ID)
	}

	rel, err := d.relays.ForProvider(ctx, a.ProviderID)
	if err != nil {
		return Result{}, errs.Wrap(err, "resolve relay")
	}
	if rel == nil {
		logger.Info("no relay for provider")
		return d.fail(ctx, logger, a, "no relay", relay.ErrNoRelay)
	}
	logger = logger.With(slog.Uint64("relay_id", uint64(rel.ID)))

	conn, release, err := d.reserve(ctx, rel)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return d.fail(ctx, logger, a, fmt.Sprintf("Error sending action to gateway %d: %s", rel.ID, Redact(err.Error())), err)
	}
	defer release()

	if err := conn.Send(ctx, a.Payload); err != nil {
		d.tunnels.Evict(conn)
		return d.fail(ctx, logger, a, fmt.Sprintf("Error sending action to gateway %d: %s", rel.ID, Redact(err.Error())), err)
	}

	// The send happened; record it even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	sent, err := d.store.Advance(persistCtx, a, actions.StatusSent, actions.AdvanceOptions{At: d.nowFunc()})
	if err != nil {
		d.tunnels.Evict(conn)
		return Result{}, errs.Wrap(err, "persist SENT")
	}
	logger.Info("action sent")

	if ctx.Err() != nil {
		d.tunnels.Evict(conn)
		return d.sent(ctx, sent), nil
	}

	reply, err := conn.Receive(ctx, d.receiveTimeout)
	if err != nil {
		d.tunnels.Evict(conn)
		switch {
		case errors.Is(err, tunnel.ErrReceiveTimeout):
			return d.fail(ctx, logger, sent, fmt.Sprintf("Timeout waiting for response from gateway %d", rel.ID), err)
		case ctx.Err() != nil:
			logger.Info("dispatch cancelled while awaiting acknowledgement")
			return d.sent(ctx, sent), nil
		default:
			return d.fail(ctx, logger, sent, fmt.Sprintf("Error receiving response from gateway %d: %s", rel.ID, Redact(err.Error())), err)
		}
	}

	if !acknowledged(reply) {
		d.tunnels.Evict(conn)
		reason := "Unexpected response status from gateway: " + truncate(Redact(string(reply)), maxRecordedResponse)
		return d.fail(ctx, logger, sent, reason, ErrUnexpectedResponse)
	}

	confirmed, err := d.store.Advance(persistCtx, sent, actions.StatusConfirmed, actions.AdvanceOptions{At: d.nowFunc()})
	if err != nil {
		return Result{}, errs.Wrap(err, "persist CONFIRMED")
	}
	logger.Info("action confirmed by gateway")
	d.metrics.RecordOutcome(persistCtx, string(OutcomeConfirmed))
	return Result{Outcome: OutcomeConfirmed, Action: confirmed}, nil
}

// reserve acquires the provider's tunnel and takes exclusive use of it. A
// connection evicted while this caller queued behind another dispatch is
// replaced by a fresh one.
func (d *Dispatcher) reserve(ctx context.Context, rel *relay.Relay) (*tunnel.Connection, func(), error) {
	var lastErr error
	for range maxReserveAttempts {
		conn, err := d.tunnels.Acquire(ctx, rel)
		if err != nil {
			return nil, nil, err
		}
		release, err := conn.Reserve(ctx)
		if err == nil {
			return conn, release, nil
		}
		if !errors.Is(err, tunnel.ErrConnectionClosed) {
			return nil, nil, err
		}
		d.tunnels.Evict(conn)
		lastErr = err
	}
	return nil, nil, lastErr
}

func (d *Dispatcher) sent(ctx context.Context, a *actions.Action) Result {
	d.metrics.RecordOutcome(context.WithoutCancel(ctx), string(OutcomeSent))
	return Result{Outcome: OutcomeSent, Action: a}
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, a *actions.Action, reason string, cause error) (Result, error) {
	now := d.nowFunc()
	failed, err := d.store.Advance(context.WithoutCancel(ctx), a, actions.StatusFailed, actions.AdvanceOptions{
		At:          now,
		Error:       reason,
		NextRetryAt: now.Add(d.retry.Delay(a.RetryCount)),
	})
	if err != nil {
		return Result{}, errs.Wrap(err, "persist FAILED")
	}
	logger.Warn("dispatch failed",
		slog.String("reason", reason),
		slog.Any("err", errs.Loggable(cause)),
		slog.Time("next_retry_at", *failed.NextRetryAt),
	)
	d.metrics.RecordOutcome(context.WithoutCancel(ctx), string(OutcomeFailed))
	return Result{Outcome: OutcomeFailed, Reason: reason, Action: failed}, nil
}

// acknowledged reports whether reply is {"status":"created"} or
// {"status":"processed"} without an error field.
func acknowledged(reply []byte) bool {
	var ack struct {
		Status *string          `json:"status"`
		Error  *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(reply, &ack); err != nil {
		return false
	}
	if ack.Error != nil || ack.Status == nil {
		return false
	}
	return *ack.Status == "created" || *ack.Status == "processed"
}

var secretPattern = regexp.MustCompile(`(sb-hc-token|sig)=[^&\s"']+`)

// Redact removes SAS material from text bound for logs or last_error.
func Redact(s string) string {
	return secretPattern.ReplaceAllString(s, "${1}=REDACTED")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
