package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"evelogi/internal/auth"
	"evelogi/internal/config"
	"evelogi/internal/engine"
	"evelogi/internal/esi"
	"evelogi/internal/logger"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sdeLoaded := s.ready
	var systemCount, typeCount int
	if s.sdeData != nil {
		systemCount = len(s.sdeData.Systems)
		typeCount = len(s.sdeData.Types)
	}
	s.mu.RUnlock()

	result := map[string]interface{}{
		"sde_loaded":     sdeLoaded,
		"sde_systems":    systemCount,
		"sde_types":      typeCount,
		"sso_configured": s.sso.Configured(),
	}
	if wb, ok := s.books.(interface{ Window() esi.CacheWindow }); ok {
		result["order_cache"] = wb.Window()
	}
	if rc, ok := s.market.(interface{ Requests() int64 }); ok {
		result["esi_requests"] = rc.Requests()
	}
	writeJSON(w, result)
}

// --- Auth ---

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if !s.sso.Configured() {
		writeError(w, 500, "SSO not configured")
		return
	}
	http.Redirect(w, r, s.sso.BuildAuthURL(s.sso.NewState()), http.StatusTemporaryRedirect)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !s.sso.Configured() {
		writeError(w, 500, "SSO not configured")
		return
	}
	if !s.sso.ConsumeState(r.URL.Query().Get("state")) {
		writeError(w, 400, auth.ErrInvalidState.Error())
		return
	}

	tok, err := s.sso.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		logger.Error("AUTH", fmt.Sprintf("Exchange error: %v", err))
		writeError(w, 502, "token exchange failed")
		return
	}
	claims, err := auth.ParseCharacterClaims(tok.AccessToken)
	if err != nil {
		logger.Error("AUTH", fmt.Sprintf("Claims error: %v", err))
		writeError(w, 502, "token verify failed")
		return
	}

	// A logged-in caller adds a character; otherwise this is a login.
	current, _ := s.sessions.UserFromRequest(r)
	userID, err := s.identity.Store().Login(r.Context(), current, claims, auth.CredentialFromToken(tok))
	if err != nil {
		if errors.Is(err, auth.ErrOwnerChanged) || errors.Is(err, auth.ErrOrphanCharacter) {
			auth.ClearCookie(w)
		}
		writeErr(w, err)
		return
	}
	if err := s.sessions.SetCookie(w, userID, r.TLS != nil); err != nil {
		writeError(w, 500, "session failed")
		return
	}
	http.Redirect(w, r, "/", http.StatusTemporaryRedirect)
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w)
	logger.Info("AUTH", "Logged out")
	writeJSON(w, map[string]interface{}{"logged_in": false})
}

// principal loads the caller from the session cookie.
func (s *Server) principal(r *http.Request) (*auth.Principal, error) {
	userID, err := s.sessions.UserFromRequest(r)
	if err != nil {
		return nil, err
	}
	return s.identity.Principal(r.Context(), userID)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// --- Account ---

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := s.sessions.UserFromRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	acc, err := s.identity.Account(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, acc)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.identity.Store().DeleteCharacter(r.Context(), p.User.ID, id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "deleted"})
}

func (s *Server) handleListStructures(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, p.Structures())
}

// decodeStructure reads and validates a structure body, then checks that the
// chosen character belongs to the caller and can see the structure on ESI.
func (s *Server) decodeStructure(w http.ResponseWriter, r *http.Request, p *auth.Principal) (engine.Structure, bool) {
	var st engine.Structure
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&st); err != nil {
		writeError(w, 400, "invalid json")
		return st, false
	}
	if st.StructureID <= 0 {
		writeError(w, 400, "structure_id is required")
		return st, false
	}
	if err := config.Validate(st); err != nil {
		writeError(w, 400, err.Error())
		return st, false
	}
	if _, ok := p.Character(st.CharacterID); !ok {
		writeError(w, 404, fmt.Sprintf("character %d not found", st.CharacterID))
		return st, false
	}
	token, err := p.AccessToken(r.Context(), st.CharacterID)
	if err != nil {
		writeErr(w, err)
		return st, false
	}
	if _, err := s.market.FetchStructureInfo(r.Context(), st.StructureID, token); err != nil {
		logger.Warn("API", fmt.Sprintf("Structure %d access check failed: %v", st.StructureID, err))
		writeError(w, 400, "check structure id or access control")
		return st, false
	}
	return st, true
}

func (s *Server) handleAddStructure(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, ok := s.decodeStructure(w, r, p)
	if !ok {
		return
	}
	id, err := s.structures.AddStructure(r.Context(), p.User.ID, st)
	if err != nil {
		writeErr(w, err)
		return
	}
	st.ID = id
	writeJSONStatus(w, http.StatusCreated, st)
}

func (s *Server) handleUpdateStructure(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if _, ok := p.Structure(id); !ok {
		writeError(w, 404, fmt.Sprintf("structure %d not found", id))
		return
	}
	st, ok := s.decodeStructure(w, r, p)
	if !ok {
		return
	}
	st.ID = id
	if err := s.structures.UpdateStructure(r.Context(), p.User.ID, st); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleDeleteStructure(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if err := s.structures.DeleteStructure(r.Context(), p.User.ID, id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "deleted"})
}

// --- Trade ---

// tradeRequest is the body of POST /api/trade. Omitted filters take the configured defaults.
type tradeRequest struct {
	StructureID    int64    `json:"structure_id"`
	MinMargin      *float64 `json:"min_margin"`
	MinDailyVolume *int64   `json:"min_daily_volume"`
	MaxResults     *int     `json:"max_results"`
	VolumeMultiple *int     `json:"volume_multiple"`
}

func (req tradeRequest) filters(defaults config.TradeConfig) engine.Filters {
	f := engine.Filters{
		MinMargin:      defaults.MinMargin,
		MinDailyVolume: defaults.MinDailyVolume,
		MaxResults:     defaults.MaxResults,
		VolumeMultiple: defaults.VolumeMultiple,
	}
	if req.MinMargin != nil {
		f.MinMargin = *req.MinMargin
	}
	if req.MinDailyVolume != nil {
		f.MinDailyVolume = *req.MinDailyVolume
	}
	if req.MaxResults != nil {
		f.MaxResults = *req.MaxResults
	}
	if req.VolumeMultiple != nil {
		f.VolumeMultiple = *req.VolumeMultiple
	}
	return f
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	filters := req.filters(s.cfg.Trade)
	if err := engine.ValidateFilters(filters); err != nil {
		writeErr(w, err)
		return
	}

	trader := s.getTrader()
	if trader == nil {
		writeError(w, 503, "SDE not loaded yet")
		return
	}
	p, err := s.principal(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	res, err := trader.Run(r.Context(), p, engine.Request{StructureID: req.StructureID, Filters: filters})
	if err != nil {
		logger.Warn("API", fmt.Sprintf("Trade for structure %d failed: %v", req.StructureID, err))
		writeErr(w, err)
		return
	}
	writeJSON(w, res)
}
