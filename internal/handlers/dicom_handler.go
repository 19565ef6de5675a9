package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/screening-gateway/internal/dicom"
	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// Ingest results reported to metrics.
const (
	IngestCreated   = "Created"
	IngestDuplicate = "Duplicate"
	IngestRejected  = "Rejected"
	IngestError     = "Error"
)

var errFileTooLarge = errors.New("DICOM file too large")

// Ingester records one uploaded DICOM file.
type Ingester interface {
	Record(ctx context.Context, sourceMessageID string, data []byte) (*dicom.Recorded, error)
}

// IngestRecorder observes ingest results.
type IngestRecorder interface {
	RecordIngest(ctx context.Context, result string)
}

// DICOMConfig groups dependencies for the DICOM handlers.
type DICOMConfig struct {
	Enabled        bool
	Ingester       Ingester
	MaxUploadBytes int64
	Metrics        IngestRecorder
	Logger         *slog.Logger
}

// RegisterDICOMRoutes registers the modality-facing ingest routes.
func RegisterDICOMRoutes(r *gin.Engine, cfg DICOMConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "handlers.dicom"))
	record := func(ctx context.Context, result string) {
		if cfg.Metrics != nil {
			cfg.Metrics.RecordIngest(ctx, result)
		}
	}

	r.GET("/dicom/status", func(c *gin.Context) {
		if !cfg.Enabled {
			c.JSON(http.StatusForbidden, gin.H{"status": "DICOM API is not available"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "DICOM API is available"})
	})

	upload := func(c *gin.Context) {
		ctx := c.Request.Context()
		if !cfg.Enabled {
			c.JSON(http.StatusForbidden, gin.H{"status": "DICOM API is not available"})
			return
		}

		sourceMessageID := strings.TrimSpace(c.GetHeader("X-Source-Message-ID"))
		if sourceMessageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Source-Message-ID header"})
			return
		}

		data, err := readUpload(c, cfg.MaxUploadBytes)
		if errors.Is(err, errFileTooLarge) {
			record(ctx, IngestRejected)
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			record(ctx, IngestError)
			logger.Error("read upload failed", slog.Any("err", errs.Loggable(err)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("An error occurred: %v", err)})
			return
		}
		if len(data) == 0 {
			record(ctx, IngestRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "No DICOM file provided"})
			return
		}

		rec, err := cfg.Ingester.Record(ctx, sourceMessageID, data)
		switch {
		case errors.Is(err, dicom.ErrInvalidDICOM):
			record(ctx, IngestRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid DICOM file"})
			return
		case errors.Is(err, dicom.ErrMissingUIDs):
			record(ctx, IngestRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required DICOM UIDs"})
			return
		case errors.Is(err, dicom.ErrSeriesStudyMismatch):
			record(ctx, IngestRejected)
			c.JSON(http.StatusConflict, gin.H{"error": "DICOM series belongs to another study"})
			return
		case errors.Is(err, dicom.ErrDuplicateInstance):
			record(ctx, IngestDuplicate)
			c.JSON(http.StatusConflict, gin.H{"error": "DICOM instance already exists"})
			return
		case err != nil:
			record(ctx, IngestError)
			logger.Error("record DICOM instance failed",
				slog.String("source_message_id", sourceMessageID),
				slog.Any("err", errs.Loggable(err)),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("An error occurred: %v", err)})
			return
		}

		record(ctx, IngestCreated)
		c.JSON(http.StatusCreated, gin.H{
			"study_instance_uid":  rec.Study.StudyInstanceUID,
			"series_instance_uid": rec.Series.SeriesInstanceUID,
			"sop_instance_uid":    rec.Instance.SOPInstanceUID,
			"instance_id":         rec.Instance.ID,
		})
	}

	r.PUT("/dicom/upload", upload)
	// legacy modality integrations still POST
	r.POST("/dicom/upload", upload)
}

// readUpload returns the file from multipart field "file", or the raw body for
// any other content type. A missing file yields an empty slice.
func readUpload(c *gin.Context, limit int64) ([]byte, error) {
	if limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	var src io.Reader = c.Request.Body
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		fh, err := c.FormFile("file")
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		if err != nil {
			return nil, tooLarge(err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, errs.Wrap(err, "open uploaded file")
		}
		defer f.Close()
		src = f
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, tooLarge(err)
	}
	return data, nil
}

func tooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errFileTooLarge
	}
	return errs.Wrap(err, "read upload")
}
