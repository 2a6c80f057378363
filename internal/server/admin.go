package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/auth"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError maps a domain error to its HTTP status, logging anything
// that isn't a well-known not-found/conflict case server-side only.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	ae := gateway.AsAppError(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse("conflict"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error", slog.String("error", err.Error()))
		writeJSON(w, ae.Status(), errorResponse("internal error"))
	}
}

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Auth ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("email and password are required"))
		return
	}
	token, err := s.operatorAuth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			writeJSON(w, http.StatusUnauthorized, errorResponse("invalid credentials"))
			return
		}
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.deps.Store.ListProviders(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if providers == nil {
		providers = []*gateway.Provider{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: providers, Pagination: pagination{Limit: len(providers), Total: len(providers)}})
}

func (s *server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/providers/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var p gateway.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateProvider(r.Context(), &p); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Provider endpoints ---

func (s *server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.deps.Store.ListEndpoints(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if endpoints == nil {
		endpoints = []*gateway.ProviderEndpoint{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: endpoints, Pagination: pagination{Limit: len(endpoints), Total: len(endpoints)}})
}

func (s *server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e gateway.ProviderEndpoint
	if !decodeJSON(w, r, &e) {
		return
	}
	e.ProviderID = chi.URLParam(r, "providerID")
	if e.URL == "" || e.ApiType == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("url and api_type are required"))
		return
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.AuthMode == "" {
		e.AuthMode = gateway.AuthModeAPIKey
	}
	if err := s.deps.Store.CreateEndpoint(r.Context(), &e); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/providers/"+e.ProviderID+"/endpoints/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (s *server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Store.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	var e gateway.ProviderEndpoint
	if !decodeJSON(w, r, &e) {
		return
	}
	e.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateEndpoint(r.Context(), &e); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteEndpoint(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Provider keys ---

func (s *server) handleListProviderKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListProviderKeys(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.ProviderKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: keys, Pagination: pagination{Limit: len(keys), Total: len(keys)}})
}

func (s *server) handleCreateProviderKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.ProviderKey
	if !decodeJSON(w, r, &k) {
		return
	}
	k.ProviderID = chi.URLParam(r, "providerID")
	if k.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("key is required"))
		return
	}
	if k.ID == "" {
		k.ID = uuid.Must(uuid.NewV7()).String()
	}
	if k.Weight <= 0 {
		k.Weight = 1
	}
	if err := s.deps.Store.CreateProviderKey(r.Context(), &k); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/providers/"+k.ProviderID+"/keys/"+k.ID)
	writeJSON(w, http.StatusCreated, k)
}

func (s *server) handleGetProviderKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.deps.Store.GetProviderKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleUpdateProviderKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.ProviderKey
	if !decodeJSON(w, r, &k) {
		return
	}
	k.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateProviderKey(r.Context(), &k); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleDeleteProviderKey(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteProviderKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Aliases ---

func (s *server) handleListAliases(w http.ResponseWriter, r *http.Request) {
	aliases, err := s.deps.Store.ListAliases(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if aliases == nil {
		aliases = []*gateway.Alias{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: aliases, Pagination: pagination{Limit: len(aliases), Total: len(aliases)}})
}

func (s *server) handleCreateAlias(w http.ResponseWriter, r *http.Request) {
	var a gateway.Alias
	if !decodeJSON(w, r, &a) {
		return
	}
	if a.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateAlias(r.Context(), &a); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/aliases/"+a.ID)
	writeJSON(w, http.StatusCreated, a)
}

func (s *server) handleGetAlias(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAlias(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleUpdateAlias(w http.ResponseWriter, r *http.Request) {
	var a gateway.Alias
	if !decodeJSON(w, r, &a) {
		return
	}
	a.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateAlias(r.Context(), &a); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleDeleteAlias(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAlias(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Alias targets ---

func (s *server) handleListAliasTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.deps.Store.ListAliasTargets(r.Context(), chi.URLParam(r, "aliasID"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if targets == nil {
		targets = []*gateway.AliasTarget{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: targets, Pagination: pagination{Limit: len(targets), Total: len(targets)}})
}

func (s *server) handleCreateAliasTarget(w http.ResponseWriter, r *http.Request) {
	var t gateway.AliasTarget
	if !decodeJSON(w, r, &t) {
		return
	}
	t.AliasID = chi.URLParam(r, "aliasID")
	if t.ProviderID == "" || t.ModelID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("provider_id and model_id are required"))
		return
	}
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	if len(t.ExtraFields) == 0 {
		t.ExtraFields = json.RawMessage("{}")
	}
	if err := s.deps.Store.CreateAliasTarget(r.Context(), &t); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/aliases/"+t.AliasID+"/targets/"+t.ID)
	writeJSON(w, http.StatusCreated, t)
}

func (s *server) handleUpdateAliasTarget(w http.ResponseWriter, r *http.Request) {
	var t gateway.AliasTarget
	if !decodeJSON(w, r, &t) {
		return
	}
	t.ID = chi.URLParam(r, "id")
	if err := s.deps.Store.UpdateAliasTarget(r.Context(), &t); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleDeleteAliasTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAliasTarget(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Gateway keys ---

func (s *server) handleListGatewayKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListGatewayKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*gateway.GatewayKey{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: keys, Pagination: pagination{Limit: len(keys), Total: len(keys)}})
}

func (s *server) handleCreateGatewayKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.GatewayKey
	if !decodeJSON(w, r, &k) {
		return
	}
	if k.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("key is required"))
		return
	}
	if k.ID == "" {
		k.ID = uuid.Must(uuid.NewV7()).String()
	}
	if err := s.deps.Store.CreateGatewayKey(r.Context(), &k); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/admin/gateway_keys/"+k.ID)
	writeJSON(w, http.StatusCreated, k)
}

func (s *server) handleGetGatewayKey(w http.ResponseWriter, r *http.Request) {
	k, err := s.deps.Store.GetGatewayKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleUpdateGatewayKey(w http.ResponseWriter, r *http.Request) {
	var k gateway.GatewayKey
	if !decodeJSON(w, r, &k) {
		return
	}
	id := chi.URLParam(r, "id")
	k.ID = id
	if err := s.deps.Store.UpdateGatewayKey(r.Context(), &k); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if s.deps.Auth != nil {
		s.deps.Auth.Invalidate(k.Key)
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) handleDeleteGatewayKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteGatewayKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Gateway key models (whitelist entries) ---

func (s *server) handleListGatewayKeyModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Store.ListGatewayKeyModels(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: models, Pagination: pagination{Limit: len(models), Total: len(models)}})
}

type gatewayKeyModelRequest struct {
	Model string `json:"model"`
}

func (s *server) handleAddGatewayKeyModel(w http.ResponseWriter, r *http.Request) {
	var req gatewayKeyModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("model is required"))
		return
	}
	keyID := chi.URLParam(r, "keyID")
	if err := s.deps.Store.AddGatewayKeyModel(r.Context(), keyID, req.Model); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, gateway.GatewayKeyModel{GatewayKeyID: keyID, Model: req.Model})
}

func (s *server) handleRemoveGatewayKeyModel(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	model := chi.URLParam(r, "model")
	if err := s.deps.Store.RemoveGatewayKeyModel(r.Context(), keyID, model); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Request logs (read-only) ---

func (s *server) handleListRequestLogs(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	logs, err := s.deps.Store.ListRequestLogs(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*gateway.RequestLog{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: logs, Pagination: pagination{Offset: offset, Limit: limit, Total: len(logs)}})
}

func (s *server) handleGetRequestLog(w http.ResponseWriter, r *http.Request) {
	log, err := s.deps.Store.GetRequestLog(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// --- Stats ---

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// MountAdmin wires the JWT login surface and the JWT-guarded admin CRUD
// surface (§10.1/§10.2) onto the router built by New.
func (s *server) MountAdmin(operatorAuth *auth.OperatorAuth) {
	s.operatorAuth = operatorAuth

	s.Mount("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Route("/admin", func(r chi.Router) {
			r.Use(operatorAuth.Middleware)

			r.Get("/providers", s.handleListProviders)
			r.Post("/providers", s.handleCreateProvider)
			r.Get("/providers/{id}", s.handleGetProvider)
			r.Put("/providers/{id}", s.handleUpdateProvider)
			r.Delete("/providers/{id}", s.handleDeleteProvider)

			r.Get("/providers/{providerID}/endpoints", s.handleListEndpoints)
			r.Post("/providers/{providerID}/endpoints", s.handleCreateEndpoint)
			r.Get("/endpoints/{id}", s.handleGetEndpoint)
			r.Put("/endpoints/{id}", s.handleUpdateEndpoint)
			r.Delete("/endpoints/{id}", s.handleDeleteEndpoint)

			r.Get("/providers/{providerID}/keys", s.handleListProviderKeys)
			r.Post("/providers/{providerID}/keys", s.handleCreateProviderKey)
			r.Get("/provider_keys/{id}", s.handleGetProviderKey)
			r.Put("/provider_keys/{id}", s.handleUpdateProviderKey)
			r.Delete("/provider_keys/{id}", s.handleDeleteProviderKey)

			r.Get("/aliases", s.handleListAliases)
			r.Post("/aliases", s.handleCreateAlias)
			r.Get("/aliases/{id}", s.handleGetAlias)
			r.Put("/aliases/{id}", s.handleUpdateAlias)
			r.Delete("/aliases/{id}", s.handleDeleteAlias)

			r.Get("/aliases/{aliasID}/targets", s.handleListAliasTargets)
			r.Post("/aliases/{aliasID}/targets", s.handleCreateAliasTarget)
			r.Put("/alias_targets/{id}", s.handleUpdateAliasTarget)
			r.Delete("/alias_targets/{id}", s.handleDeleteAliasTarget)

			r.Get("/gateway_keys", s.handleListGatewayKeys)
			r.Post("/gateway_keys", s.handleCreateGatewayKey)
			r.Get("/gateway_keys/{id}", s.handleGetGatewayKey)
			r.Put("/gateway_keys/{id}", s.handleUpdateGatewayKey)
			r.Delete("/gateway_keys/{id}", s.handleDeleteGatewayKey)

			r.Get("/gateway_keys/{keyID}/models", s.handleListGatewayKeyModels)
			r.Post("/gateway_keys/{keyID}/models", s.handleAddGatewayKeyModel)
			r.Delete("/gateway_keys/{keyID}/models/{model}", s.handleRemoveGatewayKeyModel)

			r.Get("/request_logs", s.handleListRequestLogs)
			r.Get("/request_logs/{requestID}", s.handleGetRequestLog)

			r.Get("/stats", s.handleStats)
		})
	})
}

