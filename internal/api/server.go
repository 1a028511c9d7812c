package api

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/nwfth/partial-picking/internal/auth"
	"github.com/nwfth/partial-picking/internal/config"
	"github.com/nwfth/partial-picking/internal/db"
	"github.com/nwfth/partial-picking/internal/queue"
	"github.com/nwfth/partial-picking/internal/services"
	"github.com/nwfth/partial-picking/internal/workers"
)

// Server wires the picking domain's services onto an HTTP router. There
// is no session store — authentication is a signed bearer token checked
// per request by authMiddleware (§4.6, §6).
type Server struct {
	config      *config.Config
	db          *db.Queries
	router      *mux.Router
	authManager *auth.Manager
	natsManager *queue.Manager

	validator    *services.Validator
	pickEngine   *services.PickEngine
	runs         *services.RunProgressionEngine
	putaway      *services.PutawayEngine
	auditService *services.AuditService
	loginLimiter *services.LoginThrottle
	queryLimiter *services.QueryConcurrencyLimiter
	bulkUnpick   *workers.BulkUnpickWorker
}

// NewServer creates a new API server instance with every collaborator
// already constructed by the caller (cmd/server/main.go owns wiring
// order and lifetime).
func NewServer(
	cfg *config.Config,
	queries *db.Queries,
	natsManager *queue.Manager,
	_ *sql.DB,
	authManager *auth.Manager,
	validator *services.Validator,
	pickEngine *services.PickEngine,
	runs *services.RunProgressionEngine,
	putaway *services.PutawayEngine,
	auditService *services.AuditService,
	loginLimiter *services.LoginThrottle,
	queryLimiter *services.QueryConcurrencyLimiter,
	bulkUnpick *workers.BulkUnpickWorker,
) *Server {
	s := &Server{
		config:       cfg,
		db:           queries,
		router:       mux.NewRouter(),
		authManager:  authManager,
		natsManager:  natsManager,
		validator:    validator,
		pickEngine:   pickEngine,
		runs:         runs,
		putaway:      putaway,
		auditService: auditService,
		loginLimiter: loginLimiter,
		queryLimiter: queryLimiter,
		bulkUnpick:   bulkUnpick,
	}

	s.setupRoutes()
	return s
}

// Router returns the configured HTTP router wrapped in CORS.
func (s *Server) Router() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.config.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: s.config.CORSAllowCredentials,
		MaxAge:           300,
	})
	return c.Handler(s.router)
}

// setupRoutes configures every route named in §6 of the core spec plus
// the expansion endpoints added for a complete inbound surface.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/auth/login", s.handleLogin).Methods("POST")

	protected := s.router.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)

	protected.HandleFunc("/runs/{run_no}", s.handleGetRun).Methods("GET")
	protected.HandleFunc("/runs/{run_no}/batches/{row_num}/items", s.handleListBatchLineItems).Methods("GET")
	protected.HandleFunc("/runs/{run}/confirm-pick", s.handleConfirmPick).Methods("POST")
	protected.HandleFunc("/runs/{run}/{row_num}/{line_id}/unpick", s.handleUnpick).Methods("POST")
	protected.HandleFunc("/runs/{run}/revert-status", s.handleRevertStatus).Methods("POST")
	protected.HandleFunc("/picks", s.handleConfirmPick).Methods("POST")

	protected.HandleFunc("/lots/available", s.handleListAvailableLots).Methods("GET")
	protected.HandleFunc("/lots/search", s.handleSearchLots).Methods("GET")
	protected.HandleFunc("/lots/{lot_no}/bins", s.handleListBinsForLot).Methods("GET")

	api := protected.PathPrefix("/api").Subrouter()
	api.HandleFunc("/inventory/snapshot", s.handleInventorySnapshot).Methods("GET")
	api.HandleFunc("/runs/{run_no}/completion", s.handleRunCompletion).Methods("GET")
	api.HandleFunc("/putaway/transfer", s.handlePutawayTransfer).Methods("POST")
	api.HandleFunc("/putaway/{lot_no}/bins", s.handlePutawayCandidateBins).Methods("GET")
	api.HandleFunc("/runs/{run_no}/unpick-ingredient", s.handleUnpickIngredientAsync).Methods("POST")
	api.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{job_id}/stream", s.handleJobStream).Methods("GET")
	api.HandleFunc("/audit", s.handleListAuditLogs).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// writeJSON writes a response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// errorResponse is the stable shape every error kind maps onto at the
// HTTP boundary (§7).
type errorResponse struct {
	Error      string  `json:"error"`
	Kind       string  `json:"kind"`
	MaxAllowed float64 `json:"max_allowed,omitempty"`
	Phase      int     `json:"phase,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: "VALIDATION"})
}
