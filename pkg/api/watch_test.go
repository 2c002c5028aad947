package api

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/run"
	"github.com/aprio-one/converge/pkg/source"
)

func dialWatch(t *testing.T, ts *httptest.Server, runID string, sinceSeq uint64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + fmt.Sprintf("/v1/runs/%s/watch?since_seq=%d", runID, sinceSeq)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) watchFrame {
	t.Helper()
	var frame watchFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWatchReplaysLedger(t *testing.T) {
	h := newAPIHarness(t, nil, analystSource())
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 10},
	})
	h.awaitState(t, runID, contracts.RunConverged)

	head, _, err := h.ledger.Head(context.Background(), runID)
	require.NoError(t, err)

	conn := dialWatch(t, ts, runID, 0)

	var seqs []uint64
	var kinds []contracts.EventType
	for range head {
		frame := readFrame(t, conn)
		require.Equal(t, "event", frame.Frame)
		require.NotNil(t, frame.Event)
		seqs = append(seqs, frame.Event.Seq)
		kinds = append(kinds, frame.Event.EventType)
	}

	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq)
	}
	require.Contains(t, kinds, contracts.EventFact)
	require.Contains(t, kinds, contracts.EventStatus)
}

func TestWatchUnknownRun(t *testing.T) {
	h := newAPIHarness(t, nil)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/no-such-run/watch"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 404, resp.StatusCode)
}

func TestWatchControlRoundTrip(t *testing.T) {
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
	h := newAPIHarness(t, nil, fountain)
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	runID := h.submit(t, run.SubmitRequest{
		Seeds:  []run.SeedFact{{Key: "seeds", FactID: "goal", Payload: map[string]any{}}},
		Budget: budget.Budget{MaxCycles: 1_000_000},
	})

	conn := dialWatch(t, ts, runID, 0)

	// A malformed control gets an error frame; event frames keep flowing
	// around it.
	require.NoError(t, conn.WriteJSON(map[string]any{"control_type": "self_destruct"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"control_type": "cancel"}))

	var sawError, sawAck bool
	deadline := time.Now().Add(2 * time.Second)
	for (!sawError || !sawAck) && time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		switch frame.Frame {
		case "error":
			sawError = true
		case "ack":
			require.Equal(t, "cancel", frame.Control)
			sawAck = true
		}
	}
	require.True(t, sawError, "expected a validation error frame")
	require.True(t, sawAck, "expected a cancel ack frame")

	h.awaitState(t, runID, contracts.RunHalted)
}
