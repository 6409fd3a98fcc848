// Package providertest runs a fake verification provider over httptest.
package providertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockServer answers the order API. Orders stay "processing" for
// PendingPolls polls, then finish with Result (or fail with FailMessage).
type MockServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	APIKey       string
	PendingPolls int
	Result       map[string]any
	FailMessage  string // non-empty: orders end "failed"
	CreateStatus int    // non-zero: POST /checks answers with this HTTP status
	PollStatus   int    // non-zero: GET /checks/{id} answers with this HTTP status
	DoneOnCreate bool
	Balance      float64

	orders  map[string]*mockOrder
	creates int
	polls   int
	devices []string
}

type mockOrder struct {
	deviceID  string
	serviceID string
	polls     int
}

func NewMockServer() *MockServer {
	m := &MockServer{
		APIKey:  "test-key",
		Balance: 100,
		orders:  make(map[string]*mockOrder),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /checks", m.handleCreate)
	mux.HandleFunc("GET /checks/{id}", m.handlePoll)
	mux.HandleFunc("GET /account", m.handleAccount)
	m.Server = httptest.NewServer(m.auth(mux))
	return m
}

func (m *MockServer) URL() string { return m.Server.URL }
func (m *MockServer) Close()      { m.Server.Close() }

// Configure mutates settings under the server lock.
func (m *MockServer) Configure(fn func(m *MockServer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Creates returns how many orders were created.
func (m *MockServer) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Polls returns how many status polls were served.
func (m *MockServer) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// Devices returns the deviceId of every created order, in order.
func (m *MockServer) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...)
}

func (m *MockServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		key := m.APIKey
		m.mu.Unlock()
		if key != "" && r.Header.Get("Authorization") != "Bearer "+key {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string `json:"deviceId"`
		ServiceID string `json:"serviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "deviceId is required"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.creates++
	m.devices = append(m.devices, req.DeviceID)
	if m.CreateStatus != 0 {
		writeJSON(w, m.CreateStatus, map[string]any{"error": "order rejected"})
		return
	}

	id := fmt.Sprintf("ord-%d", m.creates)
	m.orders[id] = &mockOrder{deviceID: req.DeviceID, serviceID: req.ServiceID}

	if m.DoneOnCreate {
		writeJSON(w, http.StatusCreated, m.finalBody(id, req.DeviceID))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": "processing"})
}

func (m *MockServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	if m.PollStatus != 0 {
		writeJSON(w, m.PollStatus, map[string]any{"error": "upstream unavailable"})
		return
	}
	o, ok := m.orders[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
		return
	}

	o.polls++
	if o.polls <= m.PendingPolls {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "processing"})
		return
	}
	if m.FailMessage != "" {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "failed", "message": m.FailMessage})
		return
	}
	writeJSON(w, http.StatusOK, m.finalBody(id, o.deviceID))
}

func (m *MockServer) handleAccount(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"balance": m.Balance})
}

// finalBody is a done order with Result under "properties". Must hold mu.
func (m *MockServer) finalBody(id, deviceID string) map[string]any {
	props := map[string]any{}
	for k, v := range m.Result {
		props[k] = v
	}
	return map[string]any{
		"id":         id,
		"status":     "done",
		"deviceId":   deviceID,
		"properties": props,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// IPhoneResult is a typical full-mode answer for a clean iPhone.
func IPhoneResult() map[string]any {
	return map[string]any{
		"deviceName":      "iPhone 14 Pro 256GB Deep Purple",
		"modelNumber":     "A2650",
		"serial":          "F2LXK0QJ0D",
		"carrier":         "Unlocked",
		"simLock":         false,
		"blacklistStatus": "Clean",
		"fmiOn":           false,
		"activationLock":  "OFF",
		"mdm":             "off",
		"warrantyStatus":  "Out Of Warranty",
		"purchaseCountry": "US",
	}
}
