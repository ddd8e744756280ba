package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/reliquary/reliquary/pkg/agent"
	"github.com/reliquary/reliquary/pkg/core"
	"github.com/reliquary/reliquary/pkg/decrypt"
	"github.com/reliquary/reliquary/pkg/orchestrator"
	"github.com/reliquary/reliquary/pkg/threshold"
)

// Server is the REST and WebSocket façade over the core. It holds no state of
// its own; every handler delegates and the hub pushes decision events out.
type Server struct {
	core   *core.Core
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(c *core.Core, logger *zap.SugaredLogger) *Server {
	s := &Server{
		core:   c,
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		log:    logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/decisions", s.handleOrchestrate).Methods("POST")
	api.HandleFunc("/decisions", s.handleHistory).Methods("GET")
	api.HandleFunc("/decisions/{id}", s.handleDecisionStatus).Methods("GET")
	api.HandleFunc("/decisions/{id}/override", s.handleOverride).Methods("POST")

	api.HandleFunc("/schemes", s.handleCreateScheme).Methods("POST")
	api.HandleFunc("/schemes", s.handleListSchemes).Methods("GET")
	api.HandleFunc("/schemes/{id}", s.handleSchemeInfo).Methods("GET")
	api.HandleFunc("/schemes/{id}/shares", s.handleShareSecret).Methods("POST")
	api.HandleFunc("/schemes/{id}/reconstruct", s.handleReconstruct).Methods("POST")
	api.HandleFunc("/schemes/{id}/refresh", s.handleRefresh).Methods("POST")

	api.HandleFunc("/decrypt", s.handleRequestDecryption).Methods("POST")
	api.HandleFunc("/decrypt/pending", s.handlePendingDecryptions).Methods("GET")
	api.HandleFunc("/decrypt/{id}/votes", s.handleDecryptVote).Methods("POST")

	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/consensus/metrics", s.handleConsensusMetrics).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	api.HandleFunc("/audit/{index}", s.handleAuditEntry).Methods("GET")
	api.HandleFunc("/audit/{index}/proof", s.handleAuditProof).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	if s.log != nil {
		s.log.Infow("api_listening", "addr", addr)
	}
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	req := orchestrator.DecisionRequest{
		RequestID: body.RequestID,
		UserID:    body.UserID,
		Context:   body.Context,
		Priority:  body.Priority,
		Timeout:   time.Duration(body.TimeoutS) * time.Second,
	}
	res, err := s.core.OrchestrateDecision(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "orchestration rejected", err.Error())
		return
	}

	s.hub.Publish("decisions", Event{
		Channel: "decisions", Type: "decision", Data: res, Timestamp: time.Now().UnixMilli(),
	})
	respondJSON(w, res)
}

func (s *Server) handleDecisionStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.core.GetDecisionStatus(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "decision not found", err.Error())
		return
	}
	respondJSON(w, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	respondJSON(w, s.core.GetDecisionHistory(limit))
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body OverrideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	decision := agent.Decision(body.Decision)
	if decision != agent.DecisionAllow && decision != agent.DecisionDeny {
		respondError(w, http.StatusBadRequest, "decision must be allow or deny", "")
		return
	}

	id := mux.Vars(r)["id"]
	if !s.core.EmergencyOverride(id, decision, body.Reason) {
		respondError(w, http.StatusConflict, "override refused", "")
		return
	}
	res, err := s.core.GetDecisionStatus(id + "_override")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "override record missing", err.Error())
		return
	}
	s.hub.Publish("decisions", Event{
		Channel: "decisions", Type: "override", Data: res, Timestamp: time.Now().UnixMilli(),
	})
	respondJSON(w, res)
}

func (s *Server) handleCreateScheme(w http.ResponseWriter, r *http.Request) {
	var body SchemeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	info, err := s.core.CreateScheme(body.ID, threshold.SchemeType(body.Type), body.K, body.N, body.PartyIDs)
	if err != nil {
		respondError(w, http.StatusBadRequest, "scheme rejected", err.Error())
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleListSchemes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.Threshold.Schemes())
}

func (s *Server) handleSchemeInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.SchemeInfo(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, "scheme not found", err.Error())
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleShareSecret(w http.ResponseWriter, r *http.Request) {
	var body ShareSecretBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	secret, ok := new(big.Int).SetString(body.Secret, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "secret must be a decimal integer", "")
		return
	}
	shares, err := s.core.ShareSecret(mux.Vars(r)["id"], secret)
	if err != nil {
		respondError(w, http.StatusBadRequest, "sharing failed", err.Error())
		return
	}
	out := make([]ShareDTO, len(shares))
	for i, sh := range shares {
		out[i] = toShareDTO(sh)
	}
	respondJSON(w, out)
}

func (s *Server) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	var body ReconstructBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	shares := make([]threshold.Share, 0, len(body.Shares))
	for _, d := range body.Shares {
		sh, err := fromShareDTO(d)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid share", err.Error())
			return
		}
		shares = append(shares, sh)
	}

	res := s.core.ReconstructSecret(mux.Vars(r)["id"], shares)
	out := ReconstructResponse{
		Success:    res.Success,
		SharesUsed: res.SharesUsed,
		Validation: res.Validation,
		DurationMS: res.Duration.Milliseconds(),
		Error:      res.Err,
	}
	if res.Success {
		out.Secret = res.Secret.String()
	}
	respondJSON(w, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	shares, err := s.core.RefreshShares(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "refresh failed", err.Error())
		return
	}
	out := make([]ShareDTO, len(shares))
	for i, sh := range shares {
		out[i] = toShareDTO(sh)
	}
	respondJSON(w, out)
}

func (s *Server) handleRequestDecryption(w http.ResponseWriter, r *http.Request) {
	var body DecryptRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	resp, err := s.core.RequestDecryption(
		body.VaultID, body.DataID, body.Requester, body.Justification,
		decrypt.ConsensusLevel(body.Level), body.Emergency, body.RequiredAgents, body.SchemeID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "request rejected", err.Error())
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleDecryptVote(w http.ResponseWriter, r *http.Request) {
	var body DecryptVoteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	resp, err := s.core.VoteOnDecryption(mux.Vars(r)["id"], body.AgentID, body.Approve, body.Confidence, body.Reasoning)
	if err != nil {
		respondError(w, http.StatusBadRequest, "vote rejected", err.Error())
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handlePendingDecryptions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.GetPendingRequests())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.ListAgents())
}

func (s *Server) handleConsensusMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.ConsensusMetrics())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.core.Stats())
}

func (s *Server) handleAuditEntry(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}
	e, err := s.core.Audit.Get(i)
	if err != nil {
		respondError(w, http.StatusNotFound, "audit entry not found", err.Error())
		return
	}
	respondJSON(w, AuditEntryDTO{
		Index:     e.Index,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash.String(),
		EntryHash: e.EntryHash.String(),
		Timestamp: e.Timestamp,
	})
}

func (s *Server) handleAuditProof(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index", err.Error())
		return
	}
	proof, err := s.core.Audit.Proof(i)
	if err != nil {
		respondError(w, http.StatusNotFound, "proof unavailable", err.Error())
		return
	}
	respondJSON(w, proof)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: detail})
}
