package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aprio-one/converge/pkg/archive"
	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/pack"
	"github.com/aprio-one/converge/pkg/run"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/stream"
	"github.com/aprio-one/converge/pkg/truth"
)

type apiHarness struct {
	server  *Server
	handler http.Handler
	manager *run.Manager
	ledger  *ledger.InMemoryLedger
}

func newAPIHarness(t *testing.T, truths []truth.Truth, sources ...source.Source) *apiHarness {
	t.Helper()
	l := ledger.NewInMemoryLedger()
	te, err := truth.NewEngine(truth.NewStaticAuthorizer("cfo"))
	require.NoError(t, err)
	for _, tr := range truths {
		require.NoError(t, te.Register(tr))
	}
	reg := source.NewRegistry()
	for _, s := range sources {
		require.NoError(t, reg.Register(s))
	}
	logger := slog.New(slog.DiscardHandler)
	eng := engine.New(l, te, reg, logger)
	manager := run.NewManager(l, eng, te, logger)
	hub := stream.NewHub(l, logger)
	l.Observe(hub)

	packs := pack.NewRegistry()
	require.NoError(t, packs.Register(&pack.Pack{Name: "growth-strategy", Version: "1.2.0"}))

	srv, err := NewServer(manager, hub, packs, te, logger)
	require.NoError(t, err)
	return &apiHarness{server: srv, handler: srv.Routes(), manager: manager, ledger: l}
}

func analystSource() source.Source {
	return &source.FuncSource{
		SourceName: "analyst",
		SourcePrio: 1,
		Deps:       []string{"seeds"},
		EligibleFn: func(snap *ledger.Snapshot) bool { return !snap.HasKey("signals") },
		ProposeFn: func(_ context.Context, _ *ledger.Snapshot) ([]contracts.Proposal, error) {
			return []contracts.Proposal{{Key: "signals", FactID: "sig-1", Payload: map[string]any{"trend": "up"}}}, nil
		},
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) submit(t *testing.T, req run.SubmitRequest) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/runs", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	return resp.RunID
}

func (h *apiHarness) awaitState(t *testing.T, runID string, want contracts.RunState) contracts.RunStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec := h.do(t, http.MethodGet, "/v1/runs/"+runID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var status contracts.RunStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		if status.Status == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return contracts.RunStatus{}
}

func TestSubmitAndStatus(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())

	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{"goal": "grow"}}},
		Budget: budget.Budget{MaxCycles: 10},
		Actor:  contracts.Actor{Type: contracts.ActorUser, ID: "founder"},
	})

	status := h.awaitState(t, runID, contracts.RunConverged)
	require.Equal(t, 2, status.FactsCount)
}

func TestSubmitInvalidBody(t *testing.T) {
	h := newAPIHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestSubmitViolatingSeedReturns422(t *testing.T) {
	h := newAPIHarness(t, []truth.Truth{{
		ID:             "non-negative-budget",
		Classification: truth.Structural,
		Trigger:        `input.candidate.key == "constraints"`,
		Requirement:    `input.candidate.payload.value >= 0`,
		Reason:         "budgets must be non-negative",
	}})

	rec := h.do(t, http.MethodPost, "/v1/runs", run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "constraints", FactID: "budget", Payload: map[string]any{"value": -5}}},
		Budget: budget.Budget{MaxCycles: 10},
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "non-negative-budget", problem.TruthID)
}

func TestStatusUnknownRun(t *testing.T) {
	h := newAPIHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/v1/runs/no-such-run", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestControlSchemaRejectsMalformed(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	cases := []map[string]any{
		{"control_type": "self_destruct"},
		{"control_type": "approve"}, // missing correlation_id
		{"control_type": "inject_fact", "payload": map[string]any{"key": "signals"}}, // missing fact_id
		{"control_type": "update_budget"},                                            // missing payload
		{"control_type": "pause", "extra": true},
		{"control_type": "pause", "actor": map[string]any{"id": "founder", "badge": 7}}, // unknown actor field
	}
	for i, body := range cases {
		rec := h.do(t, http.MethodPost, fmt.Sprintf("/v1/runs/%s/control", runID), body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "case %d: %s", i, rec.Body.String())
	}
}

func TestControlJobIDMismatch(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	rec := h.do(t, http.MethodPost, "/v1/runs/"+runID+"/control", map[string]any{
		"control_type": "pause",
		"job_id":       "some-other-run",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlOnTerminalRunConflicts(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	rec := h.do(t, http.MethodPost, "/v1/runs/"+runID+"/control", map[string]any{
		"control_type": "pause",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestControlInjectFact(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	// Terminal run refuses injection with 409; a live run accepts. The
	// terminal path is the easy one to pin down deterministically, so a
	// second never-converging run covers the accept path.
	fountain := &source.FuncSource{
		SourceName: "fountain",
		SourcePrio: 1,
		ProposeFn: func(ctx context.Context, snap *ledger.Snapshot) ([]contracts.Proposal, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
			n := len(snap.Facts())
			return []contracts.Proposal{{Key: "noise", FactID: fmt.Sprintf("n-%d", n), Payload: map[string]any{"n": n}}}, nil
		},
	}
	h2 := newAPIHarness(t, nil, fountain)

	liveID := h2.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 1_000_000},
	})

	rec := h2.do(t, http.MethodPost, "/v1/runs/"+liveID+"/control", map[string]any{
		"control_type": "inject_fact",
		"actor":        map[string]any{"type": "user", "id": "founder", "device": "cli:laptop"},
		"payload":      map[string]any{"key": "hints", "fact_id": "h-1", "payload": map[string]any{"hint": "focus"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h2.do(t, http.MethodPost, "/v1/runs/"+liveID+"/control", map[string]any{"control_type": "cancel"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	h2.awaitState(t, liveID, contracts.RunHalted)
}

func TestEventsPolling(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	rec := h.do(t, http.MethodGet, "/v1/runs/"+runID+"/events?since_seq=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	require.Equal(t, uint64(0), resp.ResumedAtSeq)
	require.Equal(t, resp.Events[len(resp.Events)-1].Seq, resp.CurrentSeq)

	var kinds []contracts.EventType
	for _, ev := range resp.Events {
		kinds = append(kinds, ev.EventType)
	}
	require.Contains(t, kinds, contracts.EventFact)
	require.Contains(t, kinds, contracts.EventStatus)

	// Mid-stream resume picks up right after since_seq and reports where it
	// resumed.
	since := resp.CurrentSeq - 2
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s/events?since_seq=%d", runID, since), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mid EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mid))
	require.Equal(t, since, mid.ResumedAtSeq)
	require.Len(t, mid.Events, 2)
	require.Equal(t, since+1, mid.Events[0].Seq)
	require.Equal(t, resp.CurrentSeq, mid.CurrentSeq)

	// Caught-up poll returns no events and holds the cursor.
	rec = h.do(t, http.MethodGet, fmt.Sprintf("/v1/runs/%s/events?since_seq=%d", runID, resp.CurrentSeq), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var again EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.Empty(t, again.Events)
	require.Equal(t, resp.CurrentSeq, again.ResumedAtSeq)
	require.Equal(t, resp.CurrentSeq, again.CurrentSeq)
}

func TestEventsBadSinceSeq(t *testing.T) {
	h := newAPIHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/v1/runs/whatever/events?since_seq=banana", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCapabilities(t *testing.T) {
	h := newAPIHarness(t, []truth.Truth{{
		ID:             "brand.safety",
		Classification: truth.Structural,
		Trigger:        `input.candidate.key == "strategies"`,
		Requirement:    `true`,
		Reason:         "never",
	}})

	rec := h.do(t, http.MethodGet, "/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var caps contracts.Capabilities
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caps))
	require.Contains(t, caps.Packs, "growth-strategy")
	require.Contains(t, caps.ActiveTruths, "brand.safety")
	require.True(t, caps.StreamingSupported)
	require.True(t, caps.DeterminismModeAvailable)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestArchiveTerminalRun(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	h.server.WithArchiver(archive.NewArchiver(h.ledger, archive.NewMemoryStore()))

	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{"goal": "grow"}}},
		Budget: budget.Budget{MaxCycles: 10},
		Actor:  contracts.Actor{Type: contracts.ActorUser, ID: "founder"},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	rec := h.do(t, http.MethodPost, "/v1/runs/"+runID+"/archive", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp ArchiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, runID, resp.RunID)
	require.Contains(t, resp.ArchiveHash, "sha256:")

	// Archival is content-addressed, repeating it is a no-op.
	rec = h.do(t, http.MethodPost, "/v1/runs/"+runID+"/archive", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var again ArchiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.Equal(t, resp.ArchiveHash, again.ArchiveHash)
}

func TestArchiveNotConfigured(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())

	rec := h.do(t, http.MethodPost, "/v1/runs/whatever/archive", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
