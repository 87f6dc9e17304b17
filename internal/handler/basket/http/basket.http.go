package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/infrastructure"
	"github.com/krobus00/basket-gateway/internal/service/association"
	"github.com/krobus00/basket-gateway/internal/service/routing"
	"github.com/sirupsen/logrus"
)

type Gateway interface {
	SendInMessage(ctx context.Context, msg entity.Message) error
	Snapshot() routing.Snapshot
}

type AssociationRegistry interface {
	Associate(ctx context.Context, key string, adapterID entity.AdapterID) (*entity.Association, error)
	Dissociate(ctx context.Context, key string) (bool, error)
	List() []entity.Association
}

type AssociationRequest struct {
	Key       string `json:"key"`
	AdapterID string `json:"adapter_id"`
}

type Handler struct {
	gateway    Gateway
	securities AssociationRegistry
	portfolios AssociationRegistry
	hub        *sessionHub
	upgrader   websocket.Upgrader

	// sessionCtx is the gateway lifetime, not the request lifetime.
	sessionCtx context.Context
}

func NewBasketHTTPHandler(ctx context.Context, gateway Gateway, securities, portfolios AssociationRegistry) *Handler {
	return &Handler{
		gateway:    gateway,
		securities: securities,
		portfolios: portfolios,
		hub:        newSessionHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		sessionCtx: ctx,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/basket/v1/session", h.Session)
	mux.HandleFunc("/basket/v1/routing", h.Routing)
	mux.HandleFunc("/basket/v1/associations/securities", h.associations(entity.AssociationKindSecurity, h.securities))
	mux.HandleFunc("/basket/v1/associations/portfolios", h.associations(entity.AssociationKindPortfolio, h.portfolios))
}

// Broadcast is the gateway output handler feeding every open session.
func (h *Handler) Broadcast(msg entity.Message) {
	h.hub.broadcast(msg)
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("request_id", infrastructure.RequestIDFromContext(r.Context())).
			Warnf("client session upgrade failed: %v", err)
		return
	}

	h.serveSession(h.sessionCtx, newSession(conn))
}

func (h *Handler) Routing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": h.hub.count(),
		"routing":  h.gateway.Snapshot(),
	})
}

func (h *Handler) associations(kind entity.AssociationKind, registry AssociationRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := validateAPIKey(resolveAPIKey(r)); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
			return
		}

		logger := logrus.WithField("kind", kind)

		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"associations": registry.List()})
		case http.MethodPut, http.MethodPost:
			defer r.Body.Close()

			var req AssociationRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
				return
			}

			adapterID, err := uuid.Parse(strings.TrimSpace(req.AdapterID))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid adapter_id"})
				return
			}

			saved, err := registry.Associate(r.Context(), req.Key, adapterID)
			if err != nil {
				if errors.Is(err, association.ErrEmptyKey) {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
					return
				}
				logger.Error(err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
				return
			}

			writeJSON(w, http.StatusOK, saved)
		case http.MethodDelete:
			key := strings.TrimSpace(r.URL.Query().Get("key"))
			removed, err := registry.Dissociate(r.Context(), key)
			if err != nil {
				if errors.Is(err, association.ErrEmptyKey) {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
					return
				}
				logger.Error(err)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
				return
			}
			if !removed {
				writeJSON(w, http.StatusNotFound, map[string]any{"error": "association not found"})
				return
			}

			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
