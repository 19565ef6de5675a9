package dicom

import (
	"bytes"
	"path/filepath"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/gorm"
)

type instanceSpec struct {
	study, series, sop string
	seriesNumber       string
	instanceNumber     string
	laterality, view   string
}

func (s instanceSpec) bytes(t *testing.T) []byte {
	t.Helper()
	type el struct {
		tag   tag.Tag
		value any
	}
	els := []el{
		{tag.FileMetaInformationVersion, []byte{0x00, 0x01}},
		{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.1.2"}},
		{tag.MediaStorageSOPInstanceUID, []string{s.sop}},
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.1.2"}},
		{tag.SOPInstanceUID, []string{s.sop}},
		{tag.StudyDate, []string{"20250710"}},
		{tag.StudyTime, []string{"143512.250"}},
		{tag.Modality, []string{"MG"}},
		{tag.StudyDescription, []string{"Screening Mammography"}},
		{tag.PatientID, []string{"9000000001"}},
	}
	if s.view != "" {
		els = append(els, el{tag.ViewPosition, []string{s.view}})
	}
	if s.study != "" {
		els = append(els, el{tag.StudyInstanceUID, []string{s.study}})
	}
	if s.series != "" {
		els = append(els, el{tag.SeriesInstanceUID, []string{s.series}})
	}
	els = append(els,
		el{tag.SeriesNumber, []string{s.seriesNumber}},
		el{tag.InstanceNumber, []string{s.instanceNumber}},
	)
	if s.laterality != "" {
		els = append(els, el{tag.ImageLaterality, []string{s.laterality}})
	}

	ds := dicom.Dataset{}
	for _, e := range els {
		elem, err := dicom.NewElement(e.tag, e.value)
		if err != nil {
			t.Fatalf("new element %v: %v", e.tag, err)
		}
		ds.Elements = append(ds.Elements, elem)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds); err != nil {
		t.Fatalf("write dicom: %v", err)
	}
	return buf.Bytes()
}

func first() instanceSpec {
	return instanceSpec{
		study: "1.2.826.0.1.1", series: "1.2.826.0.1.2", sop: "1.2.826.0.1.3",
		seriesNumber: "1", instanceNumber: "1", laterality: "L", view: "CC",
	}
}

func second() instanceSpec {
	s := first()
	s.sop = "1.2.826.0.1.4"
	s.instanceNumber = "2"
	s.view = "MLO"
	return s
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(filepath.Join(t.TempDir(), "dicom.sqlite")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
