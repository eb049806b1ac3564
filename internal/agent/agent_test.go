package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/garnizeh/dispatch/internal/config"
	"github.com/garnizeh/dispatch/internal/database"
	"github.com/garnizeh/dispatch/internal/server"
)

func newTestAgent(t *testing.T, serverURL string) *Agent {
	t.Helper()
	cfg := &Config{
		AgentID:             "agent-test",
		ServerURL:           serverURL,
		StateDir:            t.TempDir(),
		MaxLeaseMs:          30_000,
		HeartbeatIntervalMs: 50,
		PollIntervalMs:      20,
	}
	return New(cfg)
}

// controlStub records complete and heartbeat calls and answers everything
// else generically. completeDelay stalls the complete response to widen the
// reporting window.
type controlStub struct {
	completes     atomic.Int64
	heartbeats    atomic.Int64
	completeDelay time.Duration
	lastBody      atomic.Pointer[map[string]any]
}

func (cs *controlStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/commands/claim":
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/heartbeat"):
			cs.heartbeats.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case strings.HasSuffix(r.URL.Path, "/complete"):
			if cs.completeDelay > 0 {
				time.Sleep(cs.completeDelay)
			}
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			cs.lastBody.Store(&body)
			cs.completes.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
}

func TestRecovery_NoJournalIsNoop(t *testing.T) {
	stub := &controlStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(0), stub.completes.Load())
}

func TestRecovery_ClaimedStageIsDropped(t *testing.T) {
	stub := &controlStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	_, err := a.journals.CreateClaimed(&Claim{
		CommandID: "cmd-1", LeaseID: "lease-1", Type: TypeDelay,
		StartedAt: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(0), stub.completes.Load(), "CLAIMED stage has no durable output to report")

	j, err := a.journals.Load()
	require.NoError(t, err)
	require.Nil(t, j, "journal must be deleted")
}

func TestRecovery_InProgressHTTPIsDropped(t *testing.T) {
	stub := &controlStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	j := &Journal{
		CommandID: "cmd-1", LeaseID: "lease-1", Type: TypeHTTPGetJSON,
		StartedAt: time.Now().UnixMilli(), Stage: StageInProgress,
	}
	require.NoError(t, a.journals.Save(j))

	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(0), stub.completes.Load(), "no snapshot means nothing safe to report")

	loaded, _ := a.journals.Load()
	require.Nil(t, loaded)
}

func TestRecovery_ResultSavedHTTPReportsSnapshot(t *testing.T) {
	stub := &controlStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	j := &Journal{
		CommandID: "cmd-1", LeaseID: "lease-1", Type: TypeHTTPGetJSON,
		StartedAt: time.Now().UnixMilli(), Stage: StageResultSaved,
		HTTPSnapshot: &HTTPResult{
			Status: 200, Body: map[string]any{"saved": true}, BytesReturned: 14,
		},
	}
	require.NoError(t, a.journals.Save(j))

	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(1), stub.completes.Load())

	body := *stub.lastBody.Load()
	require.Equal(t, "agent-test", body["agentId"])
	require.Equal(t, "lease-1", body["leaseId"])
	result := body["result"].(map[string]any)
	require.Equal(t, float64(200), result["status"])
	require.Equal(t, map[string]any{"saved": true}, result["body"])

	loaded, _ := a.journals.Load()
	require.Nil(t, loaded, "journal deleted after the report")
}

func TestRecovery_ResultSavedDelayDerivesTookMs(t *testing.T) {
	stub := &controlStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	now := time.Now().UnixMilli()
	j := &Journal{
		CommandID: "cmd-1", LeaseID: "lease-1", Type: TypeDelay,
		StartedAt: now - 10_000, ScheduledEndAt: int64Ptr(now - 9_700),
		Stage: StageResultSaved,
	}
	require.NoError(t, a.journals.Save(j))

	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(1), stub.completes.Load())

	result := (*stub.lastBody.Load())["result"].(map[string]any)
	require.Equal(t, true, result["ok"])
	require.Equal(t, float64(300), result["tookMs"])
}

// The lease must stay covered while a recovered result is being reported:
// heartbeats keep flowing until the complete call has returned.
func TestRecovery_ResultSavedReportIsHeartbeatCovered(t *testing.T) {
	stub := &controlStub{completeDelay: 250 * time.Millisecond}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	j := &Journal{
		CommandID: "cmd-1", LeaseID: "lease-1", Type: TypeHTTPGetJSON,
		StartedAt: time.Now().UnixMilli(), Stage: StageResultSaved,
		HTTPSnapshot: &HTTPResult{Status: 200, Body: "ok", BytesReturned: 2},
	}
	require.NoError(t, a.journals.Save(j))

	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(1), stub.completes.Load())
	require.Greater(t, stub.heartbeats.Load(), int64(0),
		"no heartbeat arrived while the report was in flight")
}

func TestRecovery_InProgressDelayResumesAndReports(t *testing.T) {
	stub := &controlStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	a := newTestAgent(t, ts.URL)
	now := time.Now().UnixMilli()
	j := &Journal{
		CommandID: "cmd-1", LeaseID: "lease-1", Type: TypeDelay,
		StartedAt: now - 5_000, ScheduledEndAt: int64Ptr(now - 4_800),
		Stage: StageInProgress,
	}
	require.NoError(t, a.journals.Save(j))

	require.NoError(t, a.recoverFromJournal(context.Background()))
	require.Equal(t, int64(1), stub.completes.Load())

	result := (*stub.lastBody.Load())["result"].(map[string]any)
	require.Equal(t, true, result["ok"])
	require.Equal(t, float64(200), result["tookMs"])

	loaded, _ := a.journals.Load()
	require.Nil(t, loaded)
}

// Full round trip against the real control server: submit, claim, execute,
// complete, observe the terminal state.
func TestAgent_EndToEndDelay(t *testing.T) {
	ctx := context.Background()

	db, err := database.InitDB(ctx, t.TempDir()+"/commands.db")
	require.NoError(t, err)
	store := database.NewStore(db)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	cfg := &config.Config{Port: port, LogLevel: "error", ShutdownTimeout: 2 * time.Second}
	srv := server.New(cfg, store)
	srv.RegisterRoutes()

	srvCtx, stopSrv := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Start(srvCtx) }()

	baseURL := "http://127.0.0.1:" + port
	waitHealthy(t, baseURL)

	// Submit a 200ms DELAY command.
	probe := NewClient(&Config{AgentID: "probe", ServerURL: baseURL, MaxLeaseMs: 30_000})
	commandID, err := probe.CreateCommand(ctx, TypeDelay, json.RawMessage(`{"ms":200}`))
	require.NoError(t, err)

	a := newTestAgent(t, baseURL)
	agentCtx, stopAgent := context.WithCancel(context.Background())
	agentDone := make(chan error, 1)
	go func() { agentDone <- a.Run(agentCtx) }()

	// Wait for the command to reach a terminal state.
	var final map[string]any
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		view, err := probe.GetCommand(ctx, commandID)
		require.NoError(t, err)
		if view["status"] == "COMPLETED" || view["status"] == "FAILED" {
			final = view
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NotNil(t, final, "command never reached a terminal state")

	require.Equal(t, "COMPLETED", final["status"])
	require.Equal(t, float64(1), final["attempt"])
	require.Equal(t, "agent-test", final["agentId"])
	result := final["result"].(map[string]any)
	require.Equal(t, true, result["ok"])
	require.Equal(t, float64(200), result["tookMs"])

	// Journal is gone once the report landed.
	require.Eventually(t, func() bool {
		j, err := a.journals.Load()
		return err == nil && j == nil
	}, 2*time.Second, 20*time.Millisecond)

	stopAgent()
	require.NoError(t, <-agentDone)

	stopSrv()
	select {
	case err := <-srvDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func waitHealthy(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not become healthy")
}
