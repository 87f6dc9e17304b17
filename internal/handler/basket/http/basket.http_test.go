package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/krobus00/basket-gateway/internal/config"
	"github.com/krobus00/basket-gateway/internal/entity"
	"github.com/krobus00/basket-gateway/internal/service/association"
	"github.com/krobus00/basket-gateway/internal/service/routing"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

type fakeGateway struct {
	mu       sync.Mutex
	requests []entity.Message
	onSend   func(msg entity.Message) error
}

func (g *fakeGateway) SendInMessage(_ context.Context, msg entity.Message) error {
	g.mu.Lock()
	g.requests = append(g.requests, msg)
	onSend := g.onSend
	g.mu.Unlock()

	if onSend != nil {
		return onSend(msg)
	}
	return nil
}

func (g *fakeGateway) Snapshot() routing.Snapshot {
	return routing.Snapshot{PendingMessages: 3}
}

func setupHandler(t *testing.T, gateway *fakeGateway) (*Handler, *httptest.Server) {
	t.Helper()

	prev := config.Env
	config.Env = &config.EnvConfig{
		APIKeys: []config.APIKeyConfig{
			{Name: "test", Key: testAPIKey, Active: true},
			{Name: "old", Key: "expired-key", Active: true, ExpiredAt: "2020-01-01"},
			{Name: "off", Key: "inactive-key", Active: false},
		},
	}
	t.Cleanup(func() { config.Env = prev })

	h := NewBasketHTTPHandler(context.Background(), gateway,
		association.NewProvider(entity.AssociationKindSecurity, nil, nil),
		association.NewProvider(entity.AssociationKindPortfolio, nil, nil))

	mux := http.NewServeMux()
	h.Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return h, server
}

func dialSession(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("X-API-Key", testAPIKey)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/basket/v1/session"

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestValidateAPIKey(t *testing.T) {
	setupHandler(t, &fakeGateway{})

	require.NoError(t, validateAPIKey(testAPIKey))
	require.ErrorIs(t, validateAPIKey(""), errAPIKeyMissing)
	require.ErrorIs(t, validateAPIKey("nope"), errAPIKeyInvalid)
	require.ErrorIs(t, validateAPIKey("expired-key"), errAPIKeyExpired)
	require.ErrorIs(t, validateAPIKey("inactive-key"), errAPIKeyInactive)
}

func TestSession_RoundTrip(t *testing.T) {
	gateway := &fakeGateway{}
	h, server := setupHandler(t, gateway)
	gateway.onSend = func(msg entity.Message) error {
		req := msg.(*entity.SubscriptionRequest)
		h.Broadcast(&entity.SubscriptionResponse{OriginalTransactionID: req.TransactionID})
		return nil
	}

	conn := dialSession(t, server)

	payload, err := entity.EncodeMessage(&entity.SubscriptionRequest{TransactionID: 11, IsSubscribe: true, SecurityID: "BTC"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := entity.DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, int64(11), msg.(*entity.SubscriptionResponse).OriginalTransactionID)
}

func TestSession_RejectedRequest(t *testing.T) {
	gateway := &fakeGateway{onSend: func(entity.Message) error {
		return routing.ErrDuplicateTransaction
	}}
	_, server := setupHandler(t, gateway)

	conn := dialSession(t, server)

	payload, err := entity.EncodeMessage(&entity.SubscriptionRequest{TransactionID: 12, IsSubscribe: true})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var rejected sessionError
	require.NoError(t, json.Unmarshal(data, &rejected))
	require.Equal(t, "error", rejected.Type)
	require.Equal(t, int64(12), rejected.TransactionID)
	require.Contains(t, rejected.Error, "duplicate transaction id")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rejected))
	require.Equal(t, "error", rejected.Type)
}

func TestSession_Unauthorized(t *testing.T) {
	_, server := setupHandler(t, &fakeGateway{})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/basket/v1/session"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouting(t *testing.T) {
	_, server := setupHandler(t, &fakeGateway{})

	req, err := http.NewRequest(http.MethodGet, server.URL+"/basket/v1/routing?api_key="+testAPIKey, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Sessions int              `json:"sessions"`
		Routing  routing.Snapshot `json:"routing"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 0, body.Sessions)
	require.Equal(t, 3, body.Routing.PendingMessages)
}

func TestAssociations(t *testing.T) {
	_, server := setupHandler(t, &fakeGateway{})
	endpoint := server.URL + "/basket/v1/associations/securities"
	adapterID := uuid.New()

	do := func(method, url string, body []byte) *http.Response {
		req, err := http.NewRequest(method, url, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-API-Key", testAPIKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	body, err := json.Marshal(AssociationRequest{Key: "BTCUSDT", AdapterID: adapterID.String()})
	require.NoError(t, err)
	resp := do(http.MethodPut, endpoint, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(http.MethodGet, endpoint, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Associations []entity.Association `json:"associations"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Associations, 1)
	require.Equal(t, adapterID, listed.Associations[0].AdapterID)

	badBody, err := json.Marshal(AssociationRequest{Key: "ETHUSDT", AdapterID: "not-a-uuid"})
	require.NoError(t, err)
	resp = do(http.MethodPost, endpoint, badBody)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(http.MethodDelete, endpoint+"?key=BTCUSDT", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(http.MethodDelete, endpoint+"?key=BTCUSDT", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(http.MethodPatch, endpoint, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
