package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/dicom"
	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// ImageCorrelator lists the instances captured for an appointment.
type ImageCorrelator interface {
	ImagesForAppointment(ctx context.Context, appointmentID string) ([]dicom.Instance, error)
}

// ActionReader looks up the latest action of a type for an appointment.
type ActionReader interface {
	GetForAppointment(ctx context.Context, appointmentID, actionType string) (*actions.Action, error)
}

// AppointmentsConfig groups dependencies for the appointment read models.
type AppointmentsConfig struct {
	ImagesEnabled bool
	Images        ImageCorrelator
	Actions       ActionReader
	Logger        *slog.Logger
}

type imageView struct {
	InstanceID        uint   `json:"instance_id"`
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	SeriesNumber      *int   `json:"series_number"`
	InstanceNumber    *int   `json:"instance_number"`
	Laterality        string `json:"laterality"`
	ViewPosition      string `json:"view_position"`
}

type actionView struct {
	ActionID        string     `json:"action_id"`
	Status          string     `json:"status"`
	AccessionNumber string     `json:"accession_number"`
	LastError       string     `json:"last_error"`
	RetryCount      int        `json:"retry_count"`
	CreatedAt       time.Time  `json:"created_at"`
	SentAt          *time.Time `json:"sent_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at"`
	FailedAt        *time.Time `json:"failed_at"`
	NextRetryAt     *time.Time `json:"next_retry_at"`
}

// RegisterAppointmentRoutes registers the read models the screening UI polls.
func RegisterAppointmentRoutes(r *gin.Engine, cfg AppointmentsConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "handlers.appointments"))

	r.GET("/appointments/:id/images", func(c *gin.Context) {
		if !cfg.ImagesEnabled {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		images, err := cfg.Images.ImagesForAppointment(c.Request.Context(), c.Param("id"))
		if err != nil {
			logger.Error("list images failed", slog.String("appointment_id", c.Param("id")), slog.Any("err", errs.Loggable(err)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "images_lookup_failed"})
			return
		}

		views := make([]imageView, 0, len(images))
		for _, img := range images {
			views = append(views, toImageView(img))
		}
		grouped := map[string][]imageView{}
		for view, group := range dicom.GroupByLateralityAndView(images) {
			grouped[view] = make([]imageView, 0, len(group))
			for _, img := range group {
				grouped[view] = append(grouped[view], toImageView(img))
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"appointment_id": c.Param("id"),
			"images":         views,
			"by_view":        grouped,
			"counts":         dicom.CountByLateralityAndView(images),
		})
	})

	r.GET("/appointments/:id/gateway-action", func(c *gin.Context) {
		a, err := cfg.Actions.GetForAppointment(c.Request.Context(), c.Param("id"), actions.TypeWorklistCreateItem)
		if err != nil {
			logger.Error("load gateway action failed", slog.String("appointment_id", c.Param("id")), slog.Any("err", errs.Loggable(err)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "action_lookup_failed"})
			return
		}
		if a == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusOK, actionView{
			ActionID:        a.ID,
			Status:          a.Status,
			AccessionNumber: a.AccessionNumber,
			LastError:       a.LastError,
			RetryCount:      a.RetryCount,
			CreatedAt:       a.CreatedAt,
			SentAt:          a.SentAt,
			ConfirmedAt:     a.ConfirmedAt,
			FailedAt:        a.FailedAt,
			NextRetryAt:     a.NextRetryAt,
		})
	})
}

func toImageView(img dicom.Instance) imageView {
	v := imageView{
		InstanceID:     img.ID,
		SOPInstanceUID: img.SOPInstanceUID,
		InstanceNumber: img.InstanceNumber,
		Laterality:     img.Laterality,
		ViewPosition:   img.ViewPosition,
	}
	if img.Series != nil {
		v.SeriesInstanceUID = img.Series.SeriesInstanceUID
		v.SeriesNumber = img.Series.SeriesNumber
		if img.Series.Study != nil {
			v.StudyInstanceUID = img.Series.Study.StudyInstanceUID
		}
	}
	return v
}
