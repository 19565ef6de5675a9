package dicom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// ErrDuplicateInstance means an instance with the same SOP Instance UID is
// already stored.
var ErrDuplicateInstance = errors.New("DICOM instance already exists")

// ErrSeriesStudyMismatch means the Series Instance UID is already stored under
// a different study.
var ErrSeriesStudyMismatch = errors.New("DICOM series belongs to another study")

// Recorded is the result of a successful ingest.
type Recorded struct {
	Study    Study
	Series   Series
	Instance Instance
}

// Recorder persists uploaded instances.
type Recorder struct {
	db     *gorm.DB
	blobs  BlobStore
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing rows to db and files to blobs.
func NewRecorder(db *gorm.DB, blobs BlobStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, blobs: blobs, logger: logger.With(slog.String("component", "dicom.recorder"))}
}

// Record stores one DICOM file uploaded for the action sourceMessageID.
// The study and series are created on first sight and reused afterwards; the
// instance and its blob are written exactly once. Rows and blob are written as
// one unit: on any failure nothing is left behind.
func (r *Recorder) Record(ctx context.Context, sourceMessageID string, data []byte) (*Recorded, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	var out Recorded
	blobWritten := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		study := Study{
			StudyInstanceUID: h.StudyInstanceUID,
			SourceMessageID:  sourceMessageID,
			PatientID:        h.PatientID,
			StudyDate:        h.StudyDate,
			StudyTime:        h.StudyTime,
			DateAndTime:      h.DateAndTime(),
			Description:      h.StudyDescription,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "study_instance_uid"}},
			DoNothing: true,
		}).Create(&study).Error; err != nil {
			return errs.Wrap(err, "create study")
		}
		if err := tx.Where("study_instance_uid = ?", h.StudyInstanceUID).Take(&out.Study).Error; err != nil {
			return errs.Wrap(err, "load study")
		}

		series := Series{
			SeriesInstanceUID: h.SeriesInstanceUID,
			StudyID:           out.Study.ID,
			Modality:          h.Modality,
			SeriesNumber:      h.SeriesNumber,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "series_instance_uid"}},
			DoNothing: true,
		}).Create(&series).Error; err != nil {
			return errs.Wrap(err, "create series")
		}
		if err := tx.Where("series_instance_uid = ?", h.SeriesInstanceUID).Take(&out.Series).Error; err != nil {
			return errs.Wrap(err, "load series")
		}
		if out.Series.StudyID != out.Study.ID {
			return fmt.Errorf("%w: series %s, study %s", ErrSeriesStudyMismatch, h.SeriesInstanceUID, h.StudyInstanceUID)
		}

		out.Instance = Instance{
			SOPInstanceUID: h.SOPInstanceUID,
			SeriesID:       out.Series.ID,
			InstanceNumber: h.InstanceNumber,
			Laterality:     h.Laterality,
			ViewPosition:   h.ViewPosition,
			BlobRef:        h.BlobKey(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sop_instance_uid"}},
			DoNothing: true,
		}).Create(&out.Instance)
		if res.Error != nil {
			return errs.Wrap(res.Error, "create instance")
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateInstance
		}

		if err := r.blobs.Put(ctx, out.Instance.BlobRef, data); err != nil {
			return errs.Wrap(err, "store instance file")
		}
		blobWritten = true
		return nil
	})
	if err != nil {
		if blobWritten {
			if derr := r.blobs.Delete(context.WithoutCancel(ctx), h.BlobKey()); derr != nil {
				r.logger.Error("failed to remove orphaned blob",
					slog.String("blob_ref", h.BlobKey()),
					slog.Any("err", errs.Loggable(derr)),
				)
			}
		}
		if errors.Is(err, ErrDuplicateInstance) || errors.Is(err, ErrSeriesStudyMismatch) {
			return nil, err
		}
		return nil, errs.WithStack(err)
	}

	r.logger.Info("recorded DICOM instance",
		slog.String("source_message_id", out.Study.SourceMessageID),
		slog.String("study_instance_uid", out.Study.StudyInstanceUID),
		slog.String("sop_instance_uid", out.Instance.SOPInstanceUID),
	)
	return &out, nil
}
