package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-resq/server/contact"
	"github.com/mattermost/mattermost-plugin-resq/server/indicator"
	"github.com/mattermost/mattermost-plugin-resq/server/sos"
)

const userIDHeader = "Mattermost-User-ID"

type contactRequest struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

type consentRequest struct {
	Granted bool `json:"granted"`
}

type startResponse struct {
	SessionID string `json:"sessionId"`
	Started   bool   `json:"started"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing,omitempty"`
}

// ServeHTTP handles HTTP requests for the plugin.
// The root URL is currently <siteUrl>/plugins/com.mattermost.plugin-resq/api/v1/.
func (p *Plugin) ServeHTTP(c *plugin.Context, w http.ResponseWriter, r *http.Request) {
	p.router().ServeHTTP(w, r)
}

func (p *Plugin) router() *mux.Router {
	router := mux.NewRouter()

	// Middleware to require that the user is logged in
	router.Use(p.MattermostAuthorizationRequired)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	apiRouter.HandleFunc("/contacts", p.handleListContacts).Methods(http.MethodGet)
	apiRouter.HandleFunc("/contacts", p.handleAddContact).Methods(http.MethodPost)
	apiRouter.HandleFunc("/contacts/{number}", p.handleRemoveContact).Methods(http.MethodDelete)

	apiRouter.HandleFunc("/sos/start", p.handleStart).Methods(http.MethodPost)
	apiRouter.HandleFunc("/sos/stop", p.handleStop).Methods(http.MethodPost)
	apiRouter.HandleFunc("/sos/status", p.handleStatus).Methods(http.MethodGet)

	apiRouter.HandleFunc("/consent", p.handleConsent).Methods(http.MethodPost)

	return router
}

func (p *Plugin) MattermostAuthorizationRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userIDHeader)
		if userID == "" {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (p *Plugin) handleListContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := p.listContacts(r.Header.Get(userIDHeader))
	if err != nil {
		p.writeError(w, err)
		return
	}

	if contacts == nil {
		contacts = []contact.Record{}
	}

	writeJSON(w, http.StatusOK, contacts)
}

func (p *Plugin) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	record, err := p.addContact(r.Header.Get(userIDHeader), req.Name, req.Number)
	if err != nil {
		p.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

func (p *Plugin) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	if _, err := p.removeContact(r.Header.Get(userIDHeader), mux.Vars(r)["number"]); err != nil {
		p.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (p *Plugin) handleStart(w http.ResponseWriter, r *http.Request) {
	task, started, err := p.startSession(r.Header.Get(userIDHeader))
	if err != nil {
		p.writeError(w, err)
		return
	}

	status := http.StatusOK
	if started {
		status = http.StatusCreated
	}

	writeJSON(w, status, startResponse{SessionID: task.ID(), Started: started})
}

// handleStop serves both the API call and the "Stop Sharing" post action.
// A post action from a finished session does not stop a newer one.
func (p *Plugin) handleStop(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)

	var action model.PostActionIntegrationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	if action.PostId == "" {
		p.stopSession(userID)
		status, err := p.statusFor(userID)
		if err != nil {
			p.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	sessionID, _ := action.Context[indicator.SessionContextKey].(string)
	response := &model.PostActionIntegrationResponse{}

	loop := p.sessions.Get(userID)
	if loop == nil || loop.State() != sos.StateRunning || loop.Task().ID() != sessionID {
		response.EphemeralText = "This SOS session has already ended."
	} else {
		p.stopSession(userID)
		response.EphemeralText = "Location sharing stopped."
	}

	writeJSON(w, http.StatusOK, response)
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := p.statusFor(r.Header.Get(userIDHeader))
	if err != nil {
		p.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (p *Plugin) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	userID := r.Header.Get(userIDHeader)
	if err := p.setConsent(userID, req.Granted); err != nil {
		p.writeError(w, err)
		return
	}

	status, err := p.statusFor(userID)
	if err != nil {
		p.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// writeError maps domain errors to HTTP status codes.
func (p *Plugin) writeError(w http.ResponseWriter, err error) {
	var permissionErr *PermissionError

	switch {
	case errors.Is(err, contact.ErrInvalidFormat):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, contact.ErrDuplicateContact):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrNoContacts):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: "Add contacts first!"})
	case errors.As(err, &permissionErr):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: ErrPermissionRequired.Error(), Missing: permissionErr.Missing})
	default:
		p.API.LogError("Request failed", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
