package dicom

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	// ErrInvalidDICOM means the upload is not a parseable DICOM file.
	ErrInvalidDICOM = errors.New("invalid DICOM file")
	// ErrMissingUIDs means the file lacks a Study, Series or SOP Instance UID.
	ErrMissingUIDs = errors.New("missing required DICOM UIDs")
)

// Header holds the attributes the ingest path records.
type Header struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	PatientID         string
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	Modality          string
	SeriesNumber      *int
	InstanceNumber    *int
	Laterality        string
	ViewPosition      string
}

// ParseHeader reads the header of a DICOM Part 10 file, skipping pixel data.
func ParseHeader(data []byte) (h Header, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidDICOM, r)
		}
	}()

	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrInvalidDICOM, err)
	}

	h = Header{
		StudyInstanceUID:  stringByTag(&ds, tag.StudyInstanceUID),
		SeriesInstanceUID: stringByTag(&ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    stringByTag(&ds, tag.SOPInstanceUID),
		PatientID:         stringByTag(&ds, tag.PatientID),
		StudyDate:         stringByTag(&ds, tag.StudyDate),
		StudyTime:         stringByTag(&ds, tag.StudyTime),
		StudyDescription:  stringByTag(&ds, tag.StudyDescription),
		Modality:          stringByTag(&ds, tag.Modality),
		SeriesNumber:      intByTag(&ds, tag.SeriesNumber),
		InstanceNumber:    intByTag(&ds, tag.InstanceNumber),
		Laterality:        stringByTag(&ds, tag.ImageLaterality),
		ViewPosition:      stringByTag(&ds, tag.ViewPosition),
	}
	if h.Laterality == "" {
		h.Laterality = stringByTag(&ds, tag.Laterality)
	}
	if h.StudyInstanceUID == "" || h.SeriesInstanceUID == "" || h.SOPInstanceUID == "" {
		return Header{}, ErrMissingUIDs
	}
	return h, nil
}

// DateAndTime combines StudyDate and StudyTime, dropping fractional seconds.
// It returns nil unless both are present and well formed.
func (h Header) DateAndTime() *time.Time {
	if h.StudyDate == "" || h.StudyTime == "" {
		return nil
	}
	clock, _, _ := strings.Cut(h.StudyTime, ".")
	t, err := time.Parse("20060102150405", h.StudyDate+clock)
	if err != nil {
		return nil
	}
	return &t
}

// BlobKey is the storage key of the instance file.
func (h Header) BlobKey() string {
	return h.SOPInstanceUID + ".dcm"
}

// stringByTag returns the first string value of tag t, trimmed, or "".
func stringByTag(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.Trim(vals[0], " \x00")
}

func intByTag(ds *dicom.Dataset, t tag.Tag) *int {
	s := stringByTag(ds, t)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
