package watcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errly/internal/grouper"
	"errly/internal/platformclient"
	"errly/internal/store"
	"errly/internal/webhook"
	"errly/internal/wiring"
	"errly/pkg/config"
	"errly/pkg/database"
	"errly/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error")
	os.Exit(m.Run())
}

type recordingHub struct {
	events []wiring.HubEvent
}

func (r *recordingHub) Broadcast(event wiring.HubEvent) {
	r.events = append(r.events, event)
}

func newTestGrouper(t *testing.T) (*grouper.Grouper, *recordingHub) {
	t.Helper()
	sqlxDB, err := sqlx.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	sqlxDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlxDB.Close() })
	require.NoError(t, sqlxDB.Ping())
	require.NoError(t, database.RunMigrations(context.Background(), sqlxDB, database.Migrations, database.MigrationsDir))

	db := database.WrapDB(sqlxDB)
	st := store.New(sqlxDB)
	hub := &recordingHub{}
	return grouper.New(db, st, webhook.New(), hub), hub
}

func dep(id, serviceID, serviceName, env, status string) platformclient.Deployment {
	return platformclient.Deployment{
		ID:              id,
		ServiceID:       serviceID,
		ServiceName:     serviceName,
		EnvironmentName: env,
		Status:          status,
	}
}

func TestDesiredSet_FiltersByStatus(t *testing.T) {
	w := New(nil, nil, config.RailwayConfig{}, 10)

	deployments := []platformclient.Deployment{
		dep("d1", "s1", "api", "production", "SUCCESS"),
		dep("d2", "s2", "worker", "production", "CRASHED"),
		dep("d3", "s3", "web", "production", "REMOVED"),
	}

	desired := w.desiredSet(deployments)
	require.Len(t, desired, 1)
	_, ok := desired["d1"]
	assert.True(t, ok)
}

func TestDesiredSet_FiltersByEnvironmentName(t *testing.T) {
	w := New(nil, nil, config.RailwayConfig{EnvironmentName: "production"}, 10)

	deployments := []platformclient.Deployment{
		dep("d1", "s1", "api", "production", "SUCCESS"),
		dep("d2", "s2", "api", "staging", "SUCCESS"),
	}

	desired := w.desiredSet(deployments)
	require.Len(t, desired, 1)
	_, ok := desired["d1"]
	assert.True(t, ok)
}

func TestDesiredSet_DedupesByServiceAndEnvironment_KeepsFirst(t *testing.T) {
	w := New(nil, nil, config.RailwayConfig{}, 10)

	deployments := []platformclient.Deployment{
		dep("d1", "s1", "api", "production", "SUCCESS"),
		dep("d2", "s1", "api", "production", "DEPLOYING"),
	}

	desired := w.desiredSet(deployments)
	assert.Len(t, desired, 1)
	_, firstKept := desired["d1"]
	assert.True(t, firstKept)
}

func TestSynthesizeSeverity_NoSeverityHint_NotSynthesized(t *testing.T) {
	_, ok := synthesizeSeverity(platformclient.LogLine{Message: "just a line"})
	assert.False(t, ok)
}

func TestSynthesizeSeverity_StructuredInfoOverride_BlocksSynthesis(t *testing.T) {
	_, ok := synthesizeSeverity(platformclient.LogLine{
		Message:  `level=info msg="request handled"`,
		Severity: "error",
	})
	assert.False(t, ok)
}

func TestSynthesizeSeverity_MapsPlatformHintsToSeverity(t *testing.T) {
	ce, ok := synthesizeSeverity(platformclient.LogLine{Message: "db timeout", Severity: "warning"})
	require.True(t, ok)
	assert.EqualValues(t, "warn", ce.Severity)
	assert.Equal(t, "db timeout", ce.Message)

	ce, ok = synthesizeSeverity(platformclient.LogLine{Message: "db timeout", Severity: "critical"})
	require.True(t, ok)
	assert.EqualValues(t, "fatal", ce.Severity)

	_, ok = synthesizeSeverity(platformclient.LogLine{Message: "db timeout", Severity: "notbad"})
	assert.False(t, ok)
}

func TestAdjustIntervalFromRateLimit_LowRemainingRaisesInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "5")
		w.Header().Set("x-ratelimit-limit", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"deployments":[]}`))
	}))
	defer srv.Close()

	client := platformclient.New(config.RailwayConfig{APIToken: "tok"}, srv.URL)
	w := New(client, nil, config.RailwayConfig{}, 10)

	_, err := client.ListDeployments(context.Background(), "")
	require.NoError(t, err)

	w.adjustIntervalFromRateLimit()
	assert.Equal(t, 2*baseDiscoveryInterval, w.currentInterval())
}

func TestAdjustIntervalFromRateLimit_HighRemainingResetsToBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "90")
		w.Header().Set("x-ratelimit-limit", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"deployments":[]}`))
	}))
	defer srv.Close()

	client := platformclient.New(config.RailwayConfig{APIToken: "tok"}, srv.URL)
	w := New(client, nil, config.RailwayConfig{}, 10)
	w.interval = 4 * baseDiscoveryInterval

	_, err := client.ListDeployments(context.Background(), "")
	require.NoError(t, err)

	w.adjustIntervalFromRateLimit()
	assert.Equal(t, baseDiscoveryInterval, w.currentInterval())
}

func TestDiff_RespectsMaxSubscriptionsCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := platformclient.New(config.RailwayConfig{APIToken: "tok"}, srv.URL)
	g, _ := newTestGrouper(t)
	w := New(client, g, config.RailwayConfig{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	desired := map[string]platformclient.Deployment{
		"d1": dep("d1", "s1", "api", "production", "SUCCESS"),
		"d2": dep("d2", "s2", "worker", "production", "SUCCESS"),
	}
	w.diff(ctx, desired)

	assert.Equal(t, 1, w.ActiveSubscriptionCount())
}

func TestDiff_ClosesSubscriptionsNoLongerDesired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := platformclient.New(config.RailwayConfig{APIToken: "tok"}, srv.URL)
	g, _ := newTestGrouper(t)
	w := New(client, g, config.RailwayConfig{}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.diff(ctx, map[string]platformclient.Deployment{
		"d1": dep("d1", "s1", "api", "production", "SUCCESS"),
	})
	require.Equal(t, 1, w.ActiveSubscriptionCount())

	w.diff(ctx, map[string]platformclient.Deployment{})
	assert.Equal(t, 0, w.ActiveSubscriptionCount())
}

// TestDiscoveryTick_StreamedLineProducesGroupedError exercises the full
// path: a discovery tick finds one active deployment, opens a streaming
// subscription, the stream emits one self-contained error line, and the
// assembler+grouper pipeline turns it into a persisted, broadcast error
// group.
func TestDiscoveryTick_StreamedLineProducesGroupedError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/deployments", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"deployments":[{"id":"dep-1","serviceId":"svc-1","serviceName":"api","environmentName":"production","status":"SUCCESS"}]}`))
	})
	mux.HandleFunc("/deployments/dep-1/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintln(w, `{"message":"[ERROR] payment capture failed","severity":"error","timestamp":"2026-01-01T00:00:00Z"}`)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := platformclient.New(config.RailwayConfig{APIToken: "tok"}, srv.URL)
	g, hub := newTestGrouper(t)
	w := New(client, g, config.RailwayConfig{EnvironmentName: "production"}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.runDiscoveryTick(ctx)
	require.Equal(t, 1, w.ActiveSubscriptionCount())

	require.Eventually(t, func() bool {
		return len(hub.events) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "new-error", hub.events[0].Type)
}
