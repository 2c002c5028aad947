package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aprio-one/converge/pkg/archive"
	"github.com/aprio-one/converge/pkg/contracts"
	"github.com/aprio-one/converge/pkg/pack"
	"github.com/aprio-one/converge/pkg/run"
	"github.com/aprio-one/converge/pkg/stream"
	"github.com/aprio-one/converge/pkg/truth"
)

const maxBodyBytes = 1 << 20 // 1MB request limit

// Server wires the run manager, event hub, pack registry and truth engine
// into the HTTP surface.
type Server struct {
	manager *run.Manager
	hub     *stream.Hub
	packs   *pack.Registry
	truths  *truth.Engine
	logger  *slog.Logger

	control  *jsonschema.Schema
	archiver *archive.Archiver
}

// NewServer builds the HTTP surface. The control schema is compiled once at
// construction; a schema error is a programming error and fails fast.
func NewServer(manager *run.Manager, hub *stream.Hub, packs *pack.Registry, truths *truth.Engine, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	control, err := compileControlSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		manager: manager,
		hub:     hub,
		packs:   packs,
		truths:  truths,
		logger:  logger,
		control: control,
	}, nil
}

// WithArchiver enables POST /v1/runs/{id}/archive. Without it the route
// returns 404.
func (s *Server) WithArchiver(a *archive.Archiver) *Server {
	s.archiver = a
	return s
}

// Routes returns the route table. Callers layer middleware on top.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleStatus)
	mux.HandleFunc("POST /v1/runs/{id}/control", s.handleControl)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/runs/{id}/watch", s.handleWatch)
	mux.HandleFunc("POST /v1/runs/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return mux
}

// SubmitResponse is returned by POST /v1/runs.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	runID, err := s.manager.Submit(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(SubmitResponse{RunID: runID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	msg, err := s.decodeControl(r.PathValue("id"), json.NewDecoder(r.Body))
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := s.manager.Control(r.Context(), msg); err != nil {
		WriteDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"run_id":       msg.JobID,
		"control_type": string(msg.ControlType),
		"status":       "accepted",
	})
}

// decodeControl validates a raw control message against the schema before
// binding it. The run ID from the URL path is authoritative; a conflicting
// job_id in the body is rejected rather than silently overridden.
func (s *Server) decodeControl(runID string, dec *json.Decoder) (contracts.ControlMessage, error) {
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return contracts.ControlMessage{}, contracts.Validationf("invalid control body: %v", err)
	}
	if err := s.control.Validate(raw); err != nil {
		return contracts.ControlMessage{}, contracts.Validationf("control message rejected: %v", err)
	}
	if bodyID, ok := raw["job_id"].(string); ok && bodyID != "" && bodyID != runID {
		return contracts.ControlMessage{}, contracts.Validationf("job_id %q does not match run %q", bodyID, runID)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return contracts.ControlMessage{}, contracts.Validationf("invalid control body: %v", err)
	}
	var msg contracts.ControlMessage
	if err := json.Unmarshal(encoded, &msg); err != nil {
		return contracts.ControlMessage{}, contracts.Validationf("invalid control body: %v", err)
	}
	msg.JobID = runID
	return msg, nil
}

// EventsResponse is the polling fallback for clients that cannot hold a
// websocket. Semantics match the streaming path: events resume from
// since_seq, or a snapshot is returned when the gap is too large to replay.
// ResumedAtSeq is where delivery picked up: the requested since_seq when
// events were replayed, or the snapshot head when the gap forced a
// snapshot and the requested position could not be honored.
type EventsResponse struct {
	RunID        string                   `json:"run_id"`
	ResumedAtSeq uint64                   `json:"resumed_at_seq"`
	CurrentSeq   uint64                   `json:"current_seq"`
	Events       []contracts.Event        `json:"events"`
	Snapshot     []contracts.ContextEntry `json:"snapshot,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var sinceSeq uint64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteBadRequest(w, fmt.Sprintf("invalid since_seq %q", raw))
			return
		}
		sinceSeq = parsed
	}

	if _, err := s.manager.Status(r.Context(), runID); err != nil {
		WriteDomainError(w, err)
		return
	}

	events, snap, err := s.hub.Resume(r.Context(), runID, sinceSeq)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := EventsResponse{RunID: runID, ResumedAtSeq: sinceSeq, CurrentSeq: sinceSeq, Events: []contracts.Event{}}
	if snap != nil {
		resp.Snapshot = snap.Entries
		resp.ResumedAtSeq = snap.LastSeq
		resp.CurrentSeq = snap.LastSeq
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, ev)
		resp.CurrentSeq = ev.Seq
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ArchiveResponse is returned by POST /v1/runs/{id}/archive. The hash is the
// content address of the exported ledger; archiving the same terminal run
// twice returns the same hash.
type ArchiveResponse struct {
	RunID       string `json:"run_id"`
	ArchiveHash string `json:"archive_hash"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		WriteNotFound(w, "Archival is not configured")
		return
	}
	runID := r.PathValue("id")

	status, err := s.manager.Status(r.Context(), runID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if !status.Status.Terminal() {
		WriteConflict(w, fmt.Sprintf("run %s is %s; only terminal runs can be archived", runID, status.Status))
		return
	}

	hash, err := s.archiver.ArchiveRun(r.Context(), runID)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ArchiveResponse{RunID: runID, ArchiveHash: hash})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := contracts.Capabilities{
		Packs:                    []string{},
		ActiveTruths:             []string{},
		StreamingSupported:       true,
		Policies:                 []string{"structural_always_halts", "acceptance_overridable"},
		DeterminismModeAvailable: true,
	}
	if s.packs != nil {
		caps.Packs = s.packs.Names()
	}
	if s.truths != nil {
		caps.ActiveTruths = s.truths.ActiveTruths()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(caps)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"runs":   len(s.manager.Runs()),
	})
}
