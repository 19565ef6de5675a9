package dicom

import (
	"strings"
	"time"
)

// Study is one DICOM study. SourceMessageID is the id of the gateway action
// that scheduled the examination and never changes after the first upload.
type Study struct {
	ID               uint   `gorm:"primaryKey"`
	StudyInstanceUID string `gorm:"size:128;not null;uniqueIndex"`
	SourceMessageID  string `gorm:"size:128;not null;index"`
	PatientID        string `gorm:"size:64;index"`
	StudyDate        string `gorm:"size:8"`
	StudyTime        string `gorm:"size:16"`
	DateAndTime      *time.Time
	Description      string `gorm:"size:255"`
	CreatedAt        time.Time
	Series           []Series `gorm:"constraint:OnDelete:CASCADE"`
}

func (Study) TableName() string { return "dicom_studies" }

type Series struct {
	ID                uint   `gorm:"primaryKey"`
	SeriesInstanceUID string `gorm:"size:128;not null;uniqueIndex"`
	StudyID           uint   `gorm:"not null;index"`
	Study             *Study
	Modality          string `gorm:"size:16"`
	SeriesNumber      *int
	CreatedAt         time.Time
	Instances         []Instance `gorm:"constraint:OnDelete:CASCADE"`
}

func (Series) TableName() string { return "dicom_series" }

// Instance is a single stored SOP instance. BlobRef is its key in the blob
// store.
type Instance struct {
	ID             uint   `gorm:"primaryKey"`
	SOPInstanceUID string `gorm:"column:sop_instance_uid;size:128;not null;uniqueIndex"`
	SeriesID       uint   `gorm:"not null;index"`
	Series         *Series
	InstanceNumber *int
	Laterality     string `gorm:"size:16"`
	ViewPosition   string `gorm:"size:16"`
	BlobRef        string `gorm:"size:255;not null"`
	CreatedAt      time.Time
}

func (Instance) TableName() string { return "dicom_instances" }

// LateralityAndView returns e.g. "LCC" or "RMLO", or "" when either part is
// unknown.
func (i Instance) LateralityAndView() string {
	if i.Laterality == "" || i.ViewPosition == "" {
		return ""
	}
	return strings.ToUpper(i.Laterality + i.ViewPosition)
}

// Models lists the tables owned by this package, in migration order.
func Models() []any {
	return []any{&Study{}, &Series{}, &Instance{}}
}
