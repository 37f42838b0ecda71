package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sjawhar/ghost-voice/internal/classify"
	"github.com/sjawhar/ghost-voice/internal/credential"
	"github.com/sjawhar/ghost-voice/internal/rtc"
	"github.com/sjawhar/ghost-voice/internal/storage"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxClassifyBody = 64 << 10

type SessionStore interface {
	RecentSessions(limit int) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetStateEvents(sessionID string) ([]storage.StateEvent, error)
	UnrecognizedEvents() ([]storage.UnrecognizedEvent, error)
}

// Gateway holds the collaborators a browser client needs before it can
// open its own realtime session.
type Gateway struct {
	Credentials rtc.CredentialSource
	Classifier  transcript.Classifier
	Vocabulary  classify.Vocabulary
}

func registerGatewayRoutes(mux *http.ServeMux, gw Gateway) {
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		if gw.Credentials == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "credential issuing is not configured")
			return
		}

		cred, err := gw.Credentials.Issue(r.Context())
		if err != nil {
			var providerErr *credential.ProviderError
			switch {
			case errors.Is(err, credential.ErrMissingAPIKey):
				writeJSONError(w, http.StatusServiceUnavailable, err.Error())
			case errors.As(err, &providerErr):
				writeJSON(w, http.StatusBadGateway, map[string]any{
					"error":   "failed to create realtime session",
					"status":  providerErr.StatusCode,
					"details": providerErr.Body,
				})
			default:
				writeJSON(w, http.StatusBadGateway, map[string]any{
					"error":   "failed to create realtime session",
					"details": err.Error(),
				})
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"token":         cred.Token,
			"client_secret": cred.Token,
			"model":         cred.Model,
		})
	})

	mux.HandleFunc("POST /classify", func(w http.ResponseWriter, r *http.Request) {
		var req classify.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxClassifyBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		categories := []string{}
		if gw.Classifier != nil && strings.TrimSpace(req.Text) != "" {
			labels, err := gw.Classifier.Classify(r.Context(), req.Role, req.Text)
			if err != nil {
				slog.Warn("classify request failed", "role", req.Role, "error", err)
			} else if filtered := gw.Vocabulary.Filter(labels); len(filtered) > 0 {
				categories = filtered
			}
		}

		writeJSON(w, http.StatusOK, classify.Response{Categories: categories})
	})
}

func registerAPIRoutes(mux *http.ServeMux, store SessionStore, controls ControlHooks) {
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		status := rtc.Status{State: rtc.StateIdle}
		if controls.Status != nil {
			status = controls.Status()
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": status, "warnings": warnings})
	})

	mux.HandleFunc("POST /api/session/start", func(w http.ResponseWriter, r *http.Request) {
		if controls.StartSession == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "session control is not configured")
			return
		}
		if controls.Status != nil && controls.Status().State.Active() {
			writeJSONError(w, http.StatusConflict, rtc.ErrSessionActive.Error())
			return
		}

		go func() {
			if err := controls.StartSession(context.Background()); err != nil {
				slog.Error("session start failed", "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /api/session/stop", func(w http.ResponseWriter, r *http.Request) {
		if controls.StopSession != nil {
			controls.StopSession()
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/transcript", func(w http.ResponseWriter, r *http.Request) {
		lines := []transcript.Line{}
		if controls.Lines != nil {
			if got := controls.Lines(); got != nil {
				lines = got
			}
		}
		writeJSON(w, http.StatusOK, lines)
	})

	mux.HandleFunc("GET /api/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		events, err := store.UnrecognizedEvents()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list diagnostics: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, events)
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		sessions, err := store.RecentSessions(limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		events, err := store.GetStateEvents(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session events: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session": sessionData,
			"events":  events,
		})
	})
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
