package occurrence

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/logger"
	"relay/pkg/models"
)

// handlerService keeps occurrences in memory and lets RouteByID mutate them
// the way a real routing pass would.
type handlerService struct {
	occs    map[string]*Occurrence
	created bool
}

func newHandlerService() *handlerService {
	return &handlerService{occs: make(map[string]*Occurrence), created: true}
}

func (s *handlerService) Ingest(ctx context.Context, envelope models.OccurrenceEnvelope) (*Occurrence, bool, error) {
	occ := &Occurrence{
		ID:        "occ-1",
		Source:    envelope.Source,
		SourceID:  envelope.SourceID,
		EventType: envelope.EventType,
		Subject:   envelope.Subject,
		Status:    StatusPending,
	}
	s.occs[occ.ID] = occ
	return occ, s.created, nil
}

func (s *handlerService) CreateManual(ctx context.Context, req ManualOccurrenceRequest) (*Occurrence, error) {
	occ := &Occurrence{ID: "occ-1", Source: "manual", EventType: req.EventType, Status: StatusPending}
	s.occs[occ.ID] = occ
	return occ, nil
}

func (s *handlerService) Get(ctx context.Context, id string) (*Occurrence, error) {
	copied := *s.occs[id]
	return &copied, nil
}

func (s *handlerService) Query(ctx context.Context, filter Filter) ([]Occurrence, error) {
	return nil, nil
}

// statusRouter marks the occurrence processed, as a matched create_note
// rule would.
type statusRouter struct {
	occs map[string]*Occurrence
}

func (r *statusRouter) RouteByID(ctx context.Context, id string) error {
	r.occs[id].Status = StatusProcessed
	return nil
}

func ingestHandlerEngine(svc *handlerService, routeOnIngest bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	h := NewHandler(svc, &statusRouter{occs: svc.occs}, routeOnIngest, logger.NopLogger())
	h.RegisterRoutes(engine)
	return engine
}

func TestIngestOccurrence_ResponseReflectsRoutedStatus(t *testing.T) {
	svc := newHandlerService()
	engine := ingestHandlerEngine(svc, true)

	body, err := json.Marshal(map[string]interface{}{
		"source":     "email",
		"source_id":  "msg-1",
		"event_type": "email.received",
		"subject":    "Quarterly Invoice #2231",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/occurrences", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, StatusProcessed, resp.Occurrence.Status)
}

func TestIngestOccurrence_DuplicateIsNotRerouted(t *testing.T) {
	svc := newHandlerService()
	svc.created = false
	engine := ingestHandlerEngine(svc, true)

	body, err := json.Marshal(map[string]interface{}{
		"source":     "email",
		"source_id":  "msg-1",
		"event_type": "email.received",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/occurrences", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Created)
	assert.Equal(t, StatusPending, resp.Occurrence.Status)
}
