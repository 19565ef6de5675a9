package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/screening-gateway/internal/actions"
	"github.com/imrishuroy/screening-gateway/internal/aws/dynamotest"
	"github.com/imrishuroy/screening-gateway/internal/dicom"
	"github.com/imrishuroy/screening-gateway/internal/idempotency"
	"github.com/imrishuroy/screening-gateway/internal/worklist"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	gin.SetMode(gin.TestMode)
}

// --- fakes ---

type fakeIngester struct {
	err      error
	gotID    string
	gotBytes []byte
}

func (f *fakeIngester) Record(ctx context.Context, sourceMessageID string, data []byte) (*dicom.Recorded, error) {
	f.gotID = sourceMessageID
	f.gotBytes = data
	if f.err != nil {
		return nil, f.err
	}
	return &dicom.Recorded{
		Study:    dicom.Study{StudyInstanceUID: "1.2.826.0.1.1"},
		Series:   dicom.Series{SeriesInstanceUID: "1.2.826.0.1.2"},
		Instance: dicom.Instance{ID: 7, SOPInstanceUID: "1.2.826.0.1.3"},
	}, nil
}

type ingestCounter struct{ results []string }

func (c *ingestCounter) RecordIngest(ctx context.Context, result string) {
	c.results = append(c.results, result)
}

type fakeCreator struct {
	calls  int
	action *actions.Action
	err    error
	got    worklist.Appointment
}

func (f *fakeCreator) Create(ctx context.Context, appt worklist.Appointment) (*actions.Action, error) {
	f.calls++
	f.got = appt
	return f.action, f.err
}

type fakeImages struct{ images []dicom.Instance }

func (f fakeImages) ImagesForAppointment(ctx context.Context, appointmentID string) ([]dicom.Instance, error) {
	return f.images, nil
}

type fakeActions map[string]*actions.Action

func (f fakeActions) GetForAppointment(ctx context.Context, appointmentID, actionType string) (*actions.Action, error) {
	return f[appointmentID], nil
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %s", w.Body.String())
	}
	return out
}

// --- DICOM ---

func dicomRouter(ing Ingester, enabled bool, metrics IngestRecorder) *gin.Engine {
	return NewRouter(RouterConfig{
		DICOM:        DICOMConfig{Enabled: enabled, Ingester: ing, MaxUploadBytes: 1 << 10, Metrics: metrics, Logger: discard},
		Worklist:     WorklistConfig{Logger: discard},
		Appointments: AppointmentsConfig{Logger: discard},
	})
}

func rawUpload(method, sourceID string, body []byte) *http.Request {
	req := httptest.NewRequest(method, "/dicom/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/dicom")
	if sourceID != "" {
		req.Header.Set("X-Source-Message-ID", sourceID)
	}
	return req
}

func TestDICOMUpload_CreatedFromRawBody(t *testing.T) {
	ing := &fakeIngester{}
	counter := &ingestCounter{}
	w := do(dicomRouter(ing, true, counter), rawUpload(http.MethodPut, "action-1", []byte("DICM...")))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["sop_instance_uid"] != "1.2.826.0.1.3" || body["instance_id"] != float64(7) {
		t.Fatalf("unexpected body %v", body)
	}
	if ing.gotID != "action-1" || string(ing.gotBytes) != "DICM..." {
		t.Fatalf("ingester got %q / %q", ing.gotID, ing.gotBytes)
	}
	if len(counter.results) != 1 || counter.results[0] != IngestCreated {
		t.Fatalf("unexpected metrics %v", counter.results)
	}
}

func TestDICOMUpload_MultipartPost(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "image.dcm")
	fw.Write([]byte("multipart-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/dicom/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Source-Message-ID", "action-1")

	ing := &fakeIngester{}
	w := do(dicomRouter(ing, true, nil), req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if string(ing.gotBytes) != "multipart-bytes" {
		t.Fatalf("ingester got %q", ing.gotBytes)
	}
}

func TestDICOMUpload_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		source string
		body   []byte
		code   int
		msg    string
	}{
		{"missing header", nil, "", []byte("x"), http.StatusBadRequest, "Missing X-Source-Message-ID header"},
		{"missing file", nil, "a", nil, http.StatusBadRequest, "No DICOM file provided"},
		{"invalid", dicom.ErrInvalidDICOM, "a", []byte("x"), http.StatusBadRequest, "Invalid DICOM file"},
		{"missing uids", dicom.ErrMissingUIDs, "a", []byte("x"), http.StatusBadRequest, "Missing required DICOM UIDs"},
		{"duplicate", dicom.ErrDuplicateInstance, "a", []byte("x"), http.StatusConflict, "DICOM instance already exists"},
		{"series of another study", dicom.ErrSeriesStudyMismatch, "a", []byte("x"), http.StatusConflict, "DICOM series belongs to another study"},
		{"other", errors.New("database is locked"), "a", []byte("x"), http.StatusInternalServerError, "An error occurred: database is locked"},
		{"too large", nil, "a", bytes.Repeat([]byte("x"), 2<<10), http.StatusRequestEntityTooLarge, "DICOM file too large"},
	}
	for _, tc := range cases {
		w := do(dicomRouter(&fakeIngester{err: tc.err}, true, nil), rawUpload(http.MethodPut, tc.source, tc.body))
		if w.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.code, w.Code)
		}
		if got := decode(t, w)["error"]; got != tc.msg {
			t.Fatalf("%s: error = %v, want %q", tc.name, got, tc.msg)
		}
	}
}

func TestDICOM_Disabled(t *testing.T) {
	r := dicomRouter(&fakeIngester{}, false, nil)

	w := do(r, rawUpload(http.MethodPut, "a", []byte("x")))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w = do(r, httptest.NewRequest(http.MethodGet, "/dicom/status", nil))
	if w.Code != http.StatusForbidden || decode(t, w)["status"] != "DICOM API is not available" {
		t.Fatalf("unexpected status response %d %s", w.Code, w.Body.String())
	}

	w = do(dicomRouter(&fakeIngester{}, true, nil), httptest.NewRequest(http.MethodGet, "/dicom/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when enabled, got %d", w.Code)
	}
}

// --- worklist ---

const worklistBody = `{
	"appointment_id": "appt-1",
	"provider_id": "provider-1",
	"slot_starts_at": "2025-07-10T14:30:00Z",
	"participant": {
		"nhs_number": "9000000001",
		"first_name": "Jane",
		"last_name": "Smith",
		"date_of_birth": "1970-03-21",
		"gender": "Female"
	}
}`

func worklistRouter(creator WorklistCreator) (*gin.Engine, *idempotency.Store) {
	mock := dynamotest.New()
	mock.AddTable("idempotency", "idempotency_key", nil)
	store := idempotency.NewStore(mock, "idempotency", 48*time.Hour)
	r := NewRouter(RouterConfig{
		Worklist:     WorklistConfig{Worklist: creator, Idempotency: store, Logger: discard},
		DICOM:        DICOMConfig{Logger: discard},
		Appointments: AppointmentsConfig{Logger: discard},
	})
	return r, store
}

func worklistRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/worklist-items", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestCreateWorklistItem_CreatedThenReplayed(t *testing.T) {
	creator := &fakeCreator{action: &actions.Action{ID: "action-1", AccessionNumber: "ACC202507100001", Status: actions.StatusPending}}
	r, _ := worklistRouter(creator)

	w := do(r, worklistRequest("key-1", worklistBody))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["action_id"] != "action-1" {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if creator.got.Participant.DateOfBirth.Format("2006-01-02") != "1970-03-21" || creator.got.ProviderID != "provider-1" {
		t.Fatalf("appointment not mapped: %+v", creator.got)
	}

	replay := do(r, worklistRequest("key-1", worklistBody))
	if replay.Code != http.StatusCreated || replay.Body.String() != w.Body.String() {
		t.Fatalf("expected stored response replay, got %d %s", replay.Code, replay.Body.String())
	}
	if creator.calls != 1 {
		t.Fatalf("duplicate request must not create again, got %d calls", creator.calls)
	}
}

func TestCreateWorklistItem_KeyReusedWithDifferentBody(t *testing.T) {
	creator := &fakeCreator{action: &actions.Action{ID: "action-1"}}
	r, _ := worklistRouter(creator)
	do(r, worklistRequest("key-1", worklistBody))

	other := strings.Replace(worklistBody, "appt-1", "appt-2", 1)
	w := do(r, worklistRequest("key-1", other))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestCreateWorklistItem_InProgress(t *testing.T) {
	r, store := worklistRouter(&fakeCreator{})

	// a concurrent request holds the key
	if _, err := store.CreateIfNotExists(context.Background(), "key-1", ""); err != nil {
		t.Fatal(err)
	}
	w := do(r, worklistRequest("key-1", worklistBody))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
}

func TestCreateWorklistItem_FailureAllowsRetry(t *testing.T) {
	creator := &fakeCreator{err: errors.New("dynamo unavailable")}
	r, store := worklistRouter(creator)

	w := do(r, worklistRequest("key-1", worklistBody))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	rec, _ := store.Get(context.Background(), "key-1")
	if rec == nil || rec.Status != idempotency.StatusFailed {
		t.Fatalf("expected FAILED idempotency record, got %+v", rec)
	}

	creator.err = nil
	creator.action = &actions.Action{ID: "action-2", Status: actions.StatusPending}
	w = do(r, worklistRequest("key-1", worklistBody))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateWorklistItem_NoRelay(t *testing.T) {
	r, _ := worklistRouter(&fakeCreator{})
	w := do(r, worklistRequest("key-1", worklistBody))
	if w.Code != http.StatusOK || decode(t, w)["status"] != "SKIPPED" {
		t.Fatalf("expected SKIPPED, got %d %s", w.Code, w.Body.String())
	}
}

func TestCreateWorklistItem_Validation(t *testing.T) {
	r, _ := worklistRouter(&fakeCreator{})

	if w := do(r, worklistRequest("", worklistBody)); w.Code != http.StatusBadRequest {
		t.Fatalf("missing key: expected 400, got %d", w.Code)
	}
	bad := strings.Replace(worklistBody, "9000000001", "123", 1)
	w := do(r, worklistRequest("key-1", bad))
	if w.Code != http.StatusBadRequest || decode(t, w)["error"] != "validation_failed" {
		t.Fatalf("expected validation_failed, got %d %s", w.Code, w.Body.String())
	}
}

// --- appointments ---

func TestAppointmentImages(t *testing.T) {
	one, two := 1, 2
	series := &dicom.Series{SeriesInstanceUID: "1.2.826.0.1.2", SeriesNumber: &one, Study: &dicom.Study{StudyInstanceUID: "1.2.826.0.1.1"}}
	images := []dicom.Instance{
		{ID: 1, SOPInstanceUID: "1.2.826.0.1.3", InstanceNumber: &one, Laterality: "L", ViewPosition: "CC", Series: series},
		{ID: 2, SOPInstanceUID: "1.2.826.0.1.4", InstanceNumber: &two, Laterality: "L", ViewPosition: "MLO", Series: series},
	}
	cfg := RouterConfig{
		DICOM:        DICOMConfig{Logger: discard},
		Worklist:     WorklistConfig{Logger: discard},
		Appointments: AppointmentsConfig{ImagesEnabled: true, Images: fakeImages{images: images}, Logger: discard},
	}

	w := do(NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/appointments/appt-1/images", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Images []imageView    `json:"images"`
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Images) != 2 || body.Images[0].SOPInstanceUID != "1.2.826.0.1.3" || body.Images[0].StudyInstanceUID != "1.2.826.0.1.1" {
		t.Fatalf("unexpected images %+v", body.Images)
	}
	if body.Counts["LCC"] != 1 || body.Counts["LMLO"] != 1 || body.Counts["RCC"] != 0 {
		t.Fatalf("unexpected counts %v", body.Counts)
	}

	cfg.Appointments.ImagesEnabled = false
	if w := do(NewRouter(cfg), httptest.NewRequest(http.MethodGet, "/appointments/appt-1/images", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when disabled, got %d", w.Code)
	}
}

func TestAppointmentGatewayAction(t *testing.T) {
	sent := time.Date(2025, 7, 10, 14, 30, 1, 0, time.UTC)
	cfg := RouterConfig{
		DICOM:    DICOMConfig{Logger: discard},
		Worklist: WorklistConfig{Logger: discard},
		Appointments: AppointmentsConfig{
			Actions: fakeActions{"appt-1": {ID: "action-1", Status: actions.StatusFailed, LastError: "Timeout waiting for response from gateway 3", SentAt: &sent}},
			Logger:  discard,
		},
	}
	r := NewRouter(cfg)

	w := do(r, httptest.NewRequest(http.MethodGet, "/appointments/appt-1/gateway-action", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != actions.StatusFailed || body["last_error"] != "Timeout waiting for response from gateway 3" || body["confirmed_at"] != nil {
		t.Fatalf("unexpected body %v", body)
	}

	if w := do(r, httptest.NewRequest(http.MethodGet, "/appointments/none/gateway-action", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	w := do(dicomRouter(nil, false, nil), httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
