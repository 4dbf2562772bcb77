package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"evelogi/internal/auth"
	"evelogi/internal/config"
	"evelogi/internal/db"
	"evelogi/internal/engine"
	"evelogi/internal/esi"
	"evelogi/internal/sde"
)

// Market is the ESI surface the API needs.
type Market interface {
	engine.StructureMarket
	FetchStructureInfo(ctx context.Context, structureID int64, accessToken string) (*esi.StructureInfo, error)
}

// StructureStore persists the user's structures.
type StructureStore interface {
	ListStructures(ctx context.Context, userID int64) ([]engine.Structure, error)
	AddStructure(ctx context.Context, userID int64, s engine.Structure) (int64, error)
	UpdateStructure(ctx context.Context, userID int64, s engine.Structure) error
	DeleteStructure(ctx context.Context, userID, id int64) error
}

// Deps are the components the server routes requests to.
type Deps struct {
	Config     *config.Config
	Market     Market
	Books      engine.ReferenceBooks
	Volumes    engine.VolumeSource
	Structures StructureStore
	Identity   *auth.Identity
	SSO        *auth.SSO
}

// Server is the HTTP API that connects accounts, structures and the trade pipeline.
type Server struct {
	cfg        *config.Config
	market     Market
	books      engine.ReferenceBooks
	volumes    engine.VolumeSource
	structures StructureStore
	identity   *auth.Identity
	sso        *auth.SSO
	sessions   auth.SessionCodec

	mu      sync.RWMutex
	ready   bool
	sdeData *sde.Data
	trader  *engine.Trader
}

// NewServer creates a Server. Trading is unavailable until SetSDE is called.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		market:     d.Market,
		books:      d.Books,
		volumes:    d.Volumes,
		structures: d.Structures,
		identity:   d.Identity,
		sso:        d.SSO,
		sessions: auth.SessionCodec{
			Secret: []byte(d.Config.Server.SessionSecret),
			TTL:    d.Config.Server.SessionTTL,
		},
	}
}

// SetSDE is called when SDE data finishes loading.
func (s *Server) SetSDE(data *sde.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sdeData = data
	s.trader = engine.NewTrader(s.books, s.market, s.volumes, data, s.cfg.Trade.ReferenceRegionID)
	s.ready = true
}

func (s *Server) getTrader() *engine.Trader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trader
}

// Handler returns the HTTP handler with all API routes and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	// Auth
	mux.HandleFunc("GET /api/auth/login", s.handleAuthLogin)
	mux.HandleFunc("GET /api/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("POST /api/auth/logout", s.handleAuthLogout)
	// Account
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("DELETE /api/characters/{id}", s.handleDeleteCharacter)
	mux.HandleFunc("GET /api/structures", s.handleListStructures)
	mux.HandleFunc("POST /api/structures", s.handleAddStructure)
	mux.HandleFunc("PUT /api/structures/{id}", s.handleUpdateStructure)
	mux.HandleFunc("DELETE /api/structures/{id}", s.handleDeleteStructure)
	// Trade
	mux.HandleFunc("POST /api/trade", s.handleTrade)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrForbidden),
		errors.Is(err, auth.ErrOwnerChanged),
		errors.Is(err, auth.ErrOrphanCharacter):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrStructureNotFound),
		errors.Is(err, esi.ErrNotFound),
		errors.Is(err, sde.ErrNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrDuplicateStructure),
		errors.Is(err, auth.ErrCharacterBound):
		return http.StatusConflict
	case errors.Is(err, esi.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
