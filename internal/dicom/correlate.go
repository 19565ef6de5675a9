package dicom

import (
	"context"

	"gorm.io/gorm"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// Standard mammography views.
var StandardViews = []string{"LCC", "LMLO", "RCC", "RMLO"}

// ActionLookup finds the latest action of a type for an appointment.
type ActionLookup interface {
	GetForAppointment(ctx context.Context, appointmentID, actionType string) (*actions.Action, error)
}

// Correlator links uploaded instances back to appointments through the
// worklist action whose id the modality echoed as source message id.
type Correlator struct {
	db      *gorm.DB
	actions ActionLookup
}

func NewCorrelator(db *gorm.DB, lookup ActionLookup) *Correlator {
	return &Correlator{db: db, actions: lookup}
}

// ImagesForAppointment returns the instances captured for the appointment's
// most recent worklist action, ordered by series number then instance number.
// It returns an empty slice when the appointment has no such action.
func (c *Correlator) ImagesForAppointment(ctx context.Context, appointmentID string) ([]Instance, error) {
	a, err := c.actions.GetForAppointment(ctx, appointmentID, actions.TypeWorklistCreateItem)
	if err != nil {
		return nil, errs.Wrap(err, "find worklist action")
	}
	if a == nil {
		return []Instance{}, nil
	}
	return c.ImagesForAction(ctx, a.ID)
}

// ImagesForAction returns the instances whose study was captured for the
// given action id.
func (c *Correlator) ImagesForAction(ctx context.Context, actionID string) ([]Instance, error) {
	var out []Instance
	err := c.db.WithContext(ctx).
		Joins("JOIN dicom_series ON dicom_series.id = dicom_instances.series_id").
		Joins("JOIN dicom_studies ON dicom_studies.id = dicom_series.study_id").
		Where("dicom_studies.source_message_id = ?", actionID).
		Order("dicom_series.series_number IS NULL").
		Order("dicom_series.series_number ASC").
		Order("dicom_instances.instance_number IS NULL").
		Order("dicom_instances.instance_number ASC").
		Order("dicom_instances.id ASC").
		Preload("Series.Study").
		Find(&out).Error
	if err != nil {
		return nil, errs.Wrap(err, "query instances")
	}
	return out, nil
}

// GroupByLateralityAndView buckets instances by standard view. Every standard
// view is present in the result; instances with another or no view are
// dropped.
func GroupByLateralityAndView(instances []Instance) map[string][]Instance {
	out := make(map[string][]Instance, len(StandardViews))
	for _, v := range StandardViews {
		out[v] = []Instance{}
	}
	for _, inst := range instances {
		if group, ok := out[inst.LateralityAndView()]; ok {
			out[inst.LateralityAndView()] = append(group, inst)
		}
	}
	return out
}

// CountByLateralityAndView is GroupByLateralityAndView reduced to counts.
func CountByLateralityAndView(instances []Instance) map[string]int {
	out := make(map[string]int, len(StandardViews))
	for view, group := range GroupByLateralityAndView(instances) {
		out[view] = len(group)
	}
	return out
}
