package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-rxdispense/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxdispense/internal/observability/metrics"
	"github.com/drfirst/go-rxdispense/pkg/circuitbreaker"
	"github.com/drfirst/go-rxdispense/pkg/idempotency"
)

type fakeProducer struct {
	records []redpanda.Record
	err     error
}

func (p *fakeProducer) ProduceAsync(_ context.Context, rec redpanda.Record, callback func(error)) {
	p.records = append(p.records, rec)
	callback(p.err)
}

func TestKafkaNotifier(t *testing.T) {
	producer := &fakeProducer{}
	m := metrics.New(prometheus.NewRegistry())
	n := NewKafkaNotifier(producer, m, nil)

	e := NewEvent(TypePrescriptionIssued, "RX20250301-0A1B2C3D", map[string]any{"patientRef": "PAT-1"})
	n.Notify(context.Background(), e)

	require.Len(t, producer.records, 1)
	rec := producer.records[0]
	assert.Equal(t, redpanda.TopicNotifications, rec.Topic)
	assert.Equal(t, "RX20250301-0A1B2C3D", rec.Key)
	assert.Equal(t, TypePrescriptionIssued, rec.Headers["event_type"])

	var decoded Event
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, "PAT-1", decoded.Data["patientRef"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsPublished.WithLabelValues(TypePrescriptionIssued, "ok")))
}

func TestKafkaNotifier_FailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := NewKafkaNotifier(&fakeProducer{err: errors.New("broker down")}, nil, zap.New(core))

	n.Notify(context.Background(), NewEvent(TypeLowStock, "MED-AMOX", nil))
	assert.Equal(t, 1, logs.FilterMessage("notification not delivered").Len())
}

func TestLogNotifierAndMulti(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	producer := &fakeProducer{}
	Multi{NewLogNotifier(zap.New(core)), NewKafkaNotifier(producer, nil, nil), Nop{}}.
		Notify(context.Background(), NewEvent(TypePrescriptionDispensed, "RX1", nil))

	assert.Equal(t, 1, logs.FilterMessage("notification").Len())
	assert.Len(t, producer.records, 1)
}

func TestWebhookDispatcher(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusAccepted)
	var received atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(string(body))
		assert.Equal(t, TypeLowStock, r.Header.Get("X-Event-Type"))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	d, err := NewWebhookDispatcher(DefaultWebhookConfig(srv.URL), circuitbreaker.NewManager(nil), nil)
	require.NoError(t, err)
	ctx := context.Background()
	e := NewEvent(TypeLowStock, "MED-AMOX", map[string]any{"available": 3})

	require.NoError(t, d.Dispatch(ctx, e))
	assert.Contains(t, received.Load(), `"inventory.low_stock"`)

	status.Store(http.StatusBadRequest)
	err = d.Dispatch(ctx, e)
	require.Error(t, err)
	assert.True(t, idempotency.IsPermanent(err))

	status.Store(http.StatusServiceUnavailable)
	err = d.Dispatch(ctx, e)
	require.Error(t, err)
	assert.False(t, idempotency.IsPermanent(err))
}

func TestNewWebhookDispatcher_RequiresURL(t *testing.T) {
	_, err := NewWebhookDispatcher(DefaultWebhookConfig(""), circuitbreaker.NewManager(nil), nil)
	assert.Error(t, err)
}
