package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quietfield/mtrec/internal/adapters/store"
	"github.com/quietfield/mtrec/internal/app/analysis"
	"github.com/quietfield/mtrec/internal/app/pipeline"
	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, string, float64)        {}
func (nopObs) SetGauge(string, string, float64)          {}
func (nopObs) ObserveLatency(string, float64)            {}

func seedStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir(), time.UTC)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { fs.Close() })

	t0 := time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC)
	for i, seq := range []uint64{245, 246, 248, 249} {
		err := fs.Append(&domain.Sample{
			SourceID:  "vtc-300",
			Timestamp: t0.Add(time.Duration(i) * 200 * time.Millisecond),
			Seq:       seq,
			Fields:    map[string]domain.Value{"execution": domain.Text("ACTIVE")},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return fs
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fs := seedStore(t)
	analyzer := analysis.NewAnalyzer(fs, analysis.Options{})
	status := func() pipeline.Status {
		return pipeline.Status{
			RunID: "test-run",
			Sources: map[string]pipeline.SourceStatus{
				"vtc-300": {SourceID: "vtc-300", ObservedSamples: 4, LastSequence: 249},
			},
		}
	}
	return NewServer(status, analyzer, nopObs{})
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}
	var st pipeline.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RunID != "test-run" || st.Sources["vtc-300"].LastSequence != 249 {
		t.Fatalf("unexpected status payload: %+v", st)
	}
}

func TestReportEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/report/vtc-300/2025-06-03")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}
	var rep analysis.IntegrityReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.ObservedSamples != 4 || rep.MissingSequences != 1 || rep.ExpectedSamples != 5 {
		t.Fatalf("report = %+v, want 4 observed / 1 missing / 5 expected", rep)
	}
	if len(rep.Gaps) != 1 || rep.Gaps[0].From != 246 || rep.Gaps[0].To != 248 {
		t.Fatalf("gaps = %+v, want one gap 246..248", rep.Gaps)
	}
}

func TestReportRejectsBadDate(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/report/vtc-300/june-3rd")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400", rec.Code)
	}
}

func TestReportUnknownPartitionIsEmptyNotError(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/report/vtc-300/1999-01-01")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200 for empty partition", rec.Code)
	}
	var rep analysis.IntegrityReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.ObservedSamples != 0 || rep.EffectiveRateHz != 0.0 {
		t.Fatalf("empty partition report = %+v", rep)
	}
}

func TestActiveEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/active/2025-06-03")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}
	var rep analysis.ActivityReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Count != 1 || len(rep.Sources) != 1 || rep.Sources[0] != "vtc-300" {
		t.Fatalf("active = %+v, want vtc-300 only", rep)
	}
}

func TestStopsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t), "/api/stops/vtc-300/2025-06-03")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, body %s", rec.Code, rec.Body.String())
	}
	var stops []analysis.Stop
	if err := json.Unmarshal(rec.Body.Bytes(), &stops); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stops) != 0 {
		t.Fatalf("machine was active all day, got stops %+v", stops)
	}
}

func TestHealthz(t *testing.T) {
	rec := get(t, newTestServer(t), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want 405", rec.Code)
	}
}
