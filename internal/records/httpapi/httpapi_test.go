package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/records"
	"github.com/drblury/recordflow/internal/runtime/envelope"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
)

const body = `{
	"firstName": "Jane",
	"lastName": "Doe",
	"dob": "1990-04-01",
	"gender": "F",
	"addresses": [{"line1": "1 Main St", "city": "Springfield", "state": "IL", "zipcode": "62701"}]
}`

type fakeSender struct {
	mu   sync.Mutex
	sent []envelope.Envelope
	err  error
}

func (f *fakeSender) Send(_ context.Context, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return f.err
}

func (f *fakeSender) types() []envelope.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope.EventType, 0, len(f.sent))
	for _, env := range f.sent {
		out = append(out, env.EventType)
	}
	return out
}

type brokenService struct{ err error }

func (b brokenService) Create(context.Context, records.Input) (records.Record, error) {
	return records.Record{}, b.err
}
func (b brokenService) List(context.Context) ([]records.Record, error) { return nil, b.err }
func (b brokenService) Get(context.Context, string) (records.Record, error) {
	return records.Record{}, b.err
}
func (b brokenService) Update(context.Context, string, records.Input) (records.Record, error) {
	return records.Record{}, b.err
}
func (b brokenService) Delete(context.Context, string) error { return b.err }

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newRouter(t *testing.T, sender *fakeSender) http.Handler {
	t.Helper()
	svc, err := records.NewService(records.NewMemoryRepository(), sender, newTestLogger())
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHandlers(svc, newTestLogger()).Mount(r)
	return r
}

func serve(h http.Handler, method, path, payload string) *httptest.ResponseRecorder {
	var rd io.Reader
	if payload != "" {
		rd = strings.NewReader(payload)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, rd))
	return rec
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) records.Record {
	t.Helper()
	var out records.Record
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreate(t *testing.T) {
	sender := &fakeSender{}
	r := newRouter(t, sender)

	rec := serve(r, http.MethodPost, "/api/records", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	created := decodeRecord(t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "/api/records/"+created.ID, rec.Header().Get("Location"))
	assert.Equal(t, "1990-04-01", created.DOB.String())
	require.Len(t, created.Addresses, 1)
	assert.Equal(t, []envelope.EventType{envelope.Created}, sender.types())
}

func TestCreate_SendFailureStillCreated(t *testing.T) {
	r := newRouter(t, &fakeSender{err: errors.New("broker down")})
	assert.Equal(t, http.StatusCreated, serve(r, http.MethodPost, "/api/records", body).Code)
}

func TestCreate_BadRequests(t *testing.T) {
	sender := &fakeSender{}
	r := newRouter(t, sender)

	rec := serve(r, http.MethodPost, "/api/records", `{not-json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"message":"invalid request body"}`, rec.Body.String())

	rec = serve(r, http.MethodPost, "/api/records", `{"firstName":"J"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "firstName must be between 2 and 100 characters")
	assert.Empty(t, sender.types())
}

func TestGetListUpdateDelete(t *testing.T) {
	sender := &fakeSender{}
	r := newRouter(t, sender)
	created := decodeRecord(t, serve(r, http.MethodPost, "/api/records", body))

	rec := serve(r, http.MethodGet, "/api/records/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeRecord(t, rec).ID)

	rec = serve(r, http.MethodGet, "/api/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []records.Record
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = serve(r, http.MethodPut, "/api/records/"+created.ID, strings.Replace(body, "Doe", "Roe", 1))
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeRecord(t, rec)
	assert.Equal(t, "Roe", updated.LastName)
	assert.NotNil(t, updated.UpdatedAt)

	rec = serve(r, http.MethodDelete, "/api/records/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/records/"+created.ID, "").Code)
	assert.Equal(t,
		[]envelope.EventType{envelope.Created, envelope.Updated, envelope.Deleted},
		sender.types())
}

func TestList_Empty(t *testing.T) {
	rec := serve(newRouter(t, &fakeSender{}), http.MethodGet, "/api/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestNotFoundAndMalformedIDs(t *testing.T) {
	r := newRouter(t, &fakeSender{})
	missing := "/api/records/6f1c2a9e-3b4d-4c5e-8f90-1a2b3c4d5e6f"

	rec := serve(r, http.MethodGet, missing, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"message":"record not found"}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPut, missing, body).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodDelete, missing, "").Code)

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/api/records/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPut, "/api/records/abc", body).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodDelete, "/api/records/abc", "").Code)
}

func TestStoreFailuresAre500(t *testing.T) {
	r := chi.NewRouter()
	NewHandlers(brokenService{err: errors.New("db down")}, newTestLogger()).Mount(r)
	id := "/api/records/6f1c2a9e-3b4d-4c5e-8f90-1a2b3c4d5e6f"

	for _, tc := range []struct {
		method, path, payload, message string
	}{
		{http.MethodPost, "/api/records", body, "An error occurred while saving the record"},
		{http.MethodGet, "/api/records", "", "An error occurred while fetching records"},
		{http.MethodGet, id, "", "An error occurred while fetching the record"},
		{http.MethodPut, id, body, "An error occurred while updating the record"},
		{http.MethodDelete, id, "", "An error occurred while deleting the record"},
	} {
		rec := serve(r, tc.method, tc.path, tc.payload)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, tc.method+" "+tc.path)
		assert.JSONEq(t, `{"message":"`+tc.message+`"}`, rec.Body.String())
	}
}
