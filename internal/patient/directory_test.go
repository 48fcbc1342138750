package patient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
	"github.com/drfirst/go-rxdispense/pkg/circuitbreaker"
)

func TestStaticDirectory(t *testing.T) {
	d := NewStaticDirectory(Record{PatientID: "PAT-1", Allergens: []string{"penicillin"}})

	rec, err := d.Lookup(context.Background(), "PAT-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"penicillin"}, rec.Allergens)
	rec.Allergens[0] = "changed"

	again, err := d.Lookup(context.Background(), "PAT-1")
	require.NoError(t, err)
	assert.Equal(t, "penicillin", again.Allergens[0])

	_, err = d.Lookup(context.Background(), "PAT-2")
	assert.ErrorIs(t, err, rxerr.ErrNotFound)
}

func TestHTTPDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/patients/PAT-1/safety-profile":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"allergens":["Sulfa"],"conditions":["Asthma"]}`))
		case "/patients/PAT-500/safety-profile":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewManager(nil)
	d, err := NewHTTPDirectory(DefaultHTTPConfig(srv.URL+"/"), breakers, nil)
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := d.Lookup(ctx, "PAT-1")
	require.NoError(t, err)
	assert.Equal(t, Record{PatientID: "PAT-1", Allergens: []string{"Sulfa"}, Conditions: []string{"Asthma"}}, *rec)

	for i := 0; i < 10; i++ {
		_, err = d.Lookup(ctx, "PAT-404")
		assert.ErrorIs(t, err, rxerr.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breakers.HealthStatus()[0].State, "unknown patients do not trip the breaker")

	_, err = d.Lookup(ctx, "PAT-500")
	require.Error(t, err)
	assert.NotErrorIs(t, err, rxerr.ErrNotFound)
}

func TestHTTPDirectory_OpenCircuitIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakers := circuitbreaker.NewManager(nil)
	d, err := NewHTTPDirectory(DefaultHTTPConfig(srv.URL), breakers, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err = d.Lookup(ctx, "PAT-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, rxerr.ErrUnavailable)
	}
	require.Equal(t, circuitbreaker.StateOpen, breakers.HealthStatus()[0].State)

	_, err = d.Lookup(ctx, "PAT-1")
	assert.ErrorIs(t, err, rxerr.ErrUnavailable)
	assert.EqualValues(t, 5, calls.Load(), "an open circuit does not call the service")
}

func TestNewHTTPDirectory_RequiresURL(t *testing.T) {
	_, err := NewHTTPDirectory(DefaultHTTPConfig(""), circuitbreaker.NewManager(nil), nil)
	assert.Error(t, err)
}

func TestLoadStaticDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patients.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"patientId":"PAT-1","allergens":["Penicillin"],"conditions":[]}]`), 0o600))

	d, err := LoadStaticDirectory(path)
	require.NoError(t, err)
	rec, err := d.Lookup(context.Background(), "PAT-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Penicillin"}, rec.Allergens)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"allergens":[]}]`), 0o600))
	_, err = LoadStaticDirectory(bad)
	assert.ErrorContains(t, err, "no patientId")

	_, err = LoadStaticDirectory(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
