package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/idempotency"
	"github.com/imrishuroy/screening-gateway/internal/validation"
	"github.com/imrishuroy/screening-gateway/internal/worklist"
)

// WorklistCreator creates worklist items for appointments.
type WorklistCreator interface {
	Create(ctx context.Context, appt worklist.Appointment) (*actions.Action, error)
}

// IdempotencyStore remembers the outcome of keyed requests.
type IdempotencyStore interface {
	CreateIfNotExists(ctx context.Context, key, requestHash string) (bool, error)
	Reclaim(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, actionID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// WorklistConfig groups dependencies for the worklist handler.
type WorklistConfig struct {
	Worklist    WorklistCreator
	Idempotency IdempotencyStore
	Logger      *slog.Logger
}

// RegisterWorklistRoutes registers routes for worklist item creation.
func RegisterWorklistRoutes(r *gin.Engine, cfg WorklistConfig) {
	v := validation.New()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "handlers.worklist"))

	r.POST("/worklist-items", func(c *gin.Context) {
		ctx := c.Request.Context()

		// Bind + validate request
		var req validation.CreateWorklistItemRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		canonical, _ := json.Marshal(req)
		hash := idempotency.HashRequest(canonical)

		created, err := cfg.Idempotency.CreateIfNotExists(ctx, idempKey, hash)
		if err != nil {
			logger.Error("idempotency create failed", slog.Any("err", errs.Loggable(err)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
			return
		}
		if !created && !replayOrClaim(c, cfg.Idempotency, idempKey, hash) {
			return
		}

		dob, _ := req.Participant.BirthDate()
		appt := worklist.Appointment{
			ID:         req.AppointmentID,
			ProviderID: req.ProviderID,
			StartsAt:   req.SlotStartsAt,
			Participant: worklist.Participant{
				NHSNumber:   req.Participant.NHSNumber,
				FirstName:   req.Participant.FirstName,
				LastName:    req.Participant.LastName,
				DateOfBirth: dob,
				Gender:      req.Participant.Gender,
			},
		}

		action, err := cfg.Worklist.Create(ctx, appt)
		if err != nil {
			// mark idempotency failed so the client can retry
			_ = cfg.Idempotency.MarkFailed(ctx, idempKey, fmt.Sprintf("create_failed: %v", err))
			logger.Error("create worklist item failed",
				slog.String("appointment_id", req.AppointmentID),
				slog.Any("err", errs.Loggable(err)),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
			return
		}

		status := http.StatusCreated
		body := gin.H{"status": "SKIPPED", "reason": "no relay for provider"}
		actionID := ""
		if action == nil {
			status = http.StatusOK
		} else {
			actionID = action.ID
			body = gin.H{
				"action_id":        action.ID,
				"accession_number": action.AccessionNumber,
				"status":           action.Status,
			}
			c.Header("Location", fmt.Sprintf("/appointments/%s/gateway-action", req.AppointmentID))
		}

		responseBody, _ := json.Marshal(body)
		if err := cfg.Idempotency.MarkDone(ctx, idempKey, actionID, string(responseBody), status); err != nil {
			logger.Warn("idempotency mark done failed", slog.Any("err", errs.Loggable(err)))
		}
		c.Data(status, "application/json; charset=utf-8", responseBody)
	})
}

// replayOrClaim handles a request whose idempotency key was seen before. It
// either answers from the stored record and returns false, or reclaims a
// FAILED record so the caller may proceed and returns true.
func replayOrClaim(c *gin.Context, store IdempotencyStore, key, hash string) bool {
	ctx := c.Request.Context()
	rec, err := store.Get(ctx, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
		return false
	}
	if rec == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_record_missing"})
		return false
	}
	if rec.RequestHash != "" && rec.RequestHash != hash {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_key_reused"})
		return false
	}

	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" {
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return false
		}
		c.JSON(http.StatusOK, gin.H{"action_id": rec.ActionID})
		return false
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
		return false
	case idempotency.StatusFailed:
		reclaimed, err := store.Reclaim(ctx, key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
			return false
		}
		if !reclaimed {
			c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
			return false
		}
		return true
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
		return false
	}
}
