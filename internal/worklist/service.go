package worklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/aws"
	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/relay"
)

// RelayResolver finds the active relay for a provider.
type RelayResolver interface {
	ForProvider(ctx context.Context, providerID string) (*relay.Relay, error)
}

// ActionCreator persists new actions.
type ActionCreator interface {
	Create(ctx context.Context, in actions.NewAction) (*actions.Action, error)
}

// DispatchPublisher hands a persisted action to the dispatch workers.
type DispatchPublisher interface {
	PublishDispatch(ctx context.Context, req aws.DispatchRequest) error
}

// Service creates worklist items for appointments.
type Service struct {
	relays    RelayResolver
	store     ActionCreator
	publisher DispatchPublisher
	logger    *slog.Logger

	nowFunc       func() time.Time
	newID         func() string
	nextAccession func(time.Time) string
}

// NewService returns a Service. publisher may be nil, in which case new
// actions wait for the retry sweeper.
func NewService(relays RelayResolver, store ActionCreator, publisher DispatchPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		relays:        relays,
		store:         store,
		publisher:     publisher,
		logger:        logger.With(slog.String("component", "worklist")),
		nowFunc:       time.Now,
		newID:         uuid.NewString,
		nextAccession: actions.GenerateAccession,
	}
}

// Create persists a PENDING worklist.create_item action for appt and asks a
// worker to dispatch it. It returns (nil, nil) when the appointment's provider
// has no active relay. A taken accession number is regenerated up to
// actions.MaxAccessionAttempts times.
func (s *Service) Create(ctx context.Context, appt Appointment) (*actions.Action, error) {
	rel, err := s.relays.ForProvider(ctx, appt.ProviderID)
	if err != nil {
		return nil, errs.Wrap(err, "resolve relay")
	}
	if rel == nil {
		s.logger.Info("no relay for provider, skipping worklist item",
			slog.String("provider_id", appt.ProviderID),
			slog.String("appointment_id", appt.ID),
		)
		return nil, nil
	}

	var action *actions.Action
	for attempt := 1; ; attempt++ {
		now := s.nowFunc()
		id := s.newID()
		accession := s.nextAccession(now)
		payload, err := BuildPayload(appt, id, accession, now)
		if err != nil {
			return nil, errs.Wrap(err, "build worklist payload")
		}

		action, err = s.store.Create(ctx, actions.NewAction{
			ID:              id,
			AppointmentID:   appt.ID,
			ProviderID:      appt.ProviderID,
			Type:            actions.TypeWorklistCreateItem,
			Payload:         payload,
			AccessionNumber: accession,
		})
		if err == nil {
			break
		}
		if !errors.Is(err, actions.ErrAlreadyExists) || attempt >= actions.MaxAccessionAttempts {
			return nil, fmt.Errorf("create action for appointment %s: %w", appt.ID, err)
		}
		s.logger.Warn("accession number taken, regenerating",
			slog.String("accession_number", accession),
			slog.Int("attempt", attempt),
		)
	}

	s.logger.Info("created gateway action",
		slog.String("action_id", action.ID),
		slog.String("appointment_id", appt.ID),
		slog.String("accession_number", action.AccessionNumber),
	)

	if s.publisher != nil {
		req := aws.DispatchRequest{ActionID: action.ID, ProviderID: action.ProviderID}
		if err := s.publisher.PublishDispatch(ctx, req); err != nil {
			s.logger.Error("failed to enqueue dispatch; sweeper will pick the action up",
				slog.String("action_id", action.ID),
				slog.Any("err", errs.Loggable(err)),
			)
		}
	}
	return action, nil
}
