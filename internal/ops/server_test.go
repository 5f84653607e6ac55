package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpautohealer/backend/internal/incident"
	"github.com/wpautohealer/backend/internal/playbook"
	"github.com/wpautohealer/backend/internal/ports"
	"github.com/wpautohealer/backend/internal/safety"
	"github.com/wpautohealer/backend/internal/store"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, string) (*playbook.CommandOutput, error) {
	return &playbook.CommandOutput{}, nil
}
func (nopRunner) ReadFile(context.Context, string, string) ([]byte, error) { return nil, nil }
func (nopRunner) WriteFile(context.Context, string, string, []byte) error { return nil }

type nopBackups struct{}

func (nopBackups) CreateFileBackup(context.Context, string, string, string, map[string]string) (string, error) {
	return "", nil
}
func (nopBackups) Restore(context.Context, string, string, string) error { return nil }
func (nopBackups) LatestBackup(context.Context, string, string, string) (string, error) {
	return "", nil
}

type nopProber struct{}

func (nopProber) Probe(context.Context, string) (int, error) { return 200, nil }

func testServer(t *testing.T, submit func(ports.IncidentCreated)) (*Server, *store.Memory, *ports.MemoryEvidenceSink, *safety.FlappingController) {
	t.Helper()
	st := store.NewMemory()
	sink := ports.NewMemoryEvidenceSink()
	flapping := safety.NewFlappingController(safety.FlappingConfig{})
	breakers := safety.NewBreakerRegistry(safety.BreakerConfig{})
	registry, err := playbook.Catalog(nopRunner{}, nopBackups{}, nopProber{})
	require.NoError(t, err)
	srv := NewServer(":0", st, sink, flapping, breakers, registry, submit)
	return srv, st, sink, flapping
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := testServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestGetIncident_WithEvents(t *testing.T) {
	srv, st, _, _ := testServer(t, nil)
	inc := &incident.Incident{ID: "inc-1", SiteID: "site-1", ServerID: "srv-1", State: incident.StateDiscovery, CreatedAt: time.Now()}
	require.NoError(t, st.SaveIncident(context.Background(), inc))
	require.NoError(t, st.AppendEvent(context.Background(), &incident.Event{
		IncidentID: "inc-1", From: incident.StateNew, To: incident.StateDiscovery, Actor: "engine",
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/incidents/inc-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Incident incident.Incident `json:"incident"`
		Events   []incident.Event  `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "inc-1", body.Incident.ID)
	require.Len(t, body.Events, 1)
	assert.Equal(t, 1, body.Events[0].Sequence)
}

func TestGetIncident_NotFound(t *testing.T) {
	srv, _, _, _ := testServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/incidents/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateIncident_SubmitsWithGeneratedIDs(t *testing.T) {
	var got *ports.IncidentCreated
	srv, _, _, _ := testServer(t, func(msg ports.IncidentCreated) { got = &msg })

	payload := `{"siteId":"site-1","serverId":"srv-1","sitePath":"/var/www/site","wpPath":"/var/www/site","domain":"example.com"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/incidents", strings.NewReader(payload)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "site-1", got.SiteID)
	assert.NotEmpty(t, got.IncidentID)
	assert.NotEmpty(t, got.CorrelationID)
	assert.NotEmpty(t, got.TraceID)
}

func TestCreateIncident_DisabledWithoutSubmitter(t *testing.T) {
	srv, _, _, _ := testServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/incidents", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListPlaybooks(t *testing.T) {
	srv, _, _, _ := testServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/playbooks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count     int `json:"count"`
		Playbooks []struct {
			Name string `json:"name"`
			Tier int    `json:"tier"`
		} `json:"playbooks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 15, body.Count)
	assert.Equal(t, 1, body.Playbooks[0].Tier, "tier 1 listed first")
}

func TestResetFlapping(t *testing.T) {
	srv, _, _, flapping := testServer(t, nil)
	for i := 0; i < 10; i++ {
		flapping.RecordIncident("site-1", "inc")
	}
	require.True(t, flapping.IsFlapping("site-1"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/sites/site-1/flapping/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, flapping.IsFlapping("site-1"))
}
