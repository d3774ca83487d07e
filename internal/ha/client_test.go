package ha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	assert.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

	var authMsg AuthMessage
	assert.NoError(t, conn.ReadJSON(&authMsg))
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	assert.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))
}

// requestHandler answers one request with a result, optionally preceded by events
type requestHandler func(req map[string]any) (result any, events []Message)

// serveRequests acknowledges subscriptions and answers requests until the client goes away
func serveRequests(conn *websocket.Conn, subscribed chan<- string, handle requestHandler) {
	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		id, _ := req["id"].(float64)

		var result any
		var events []Message
		if req["type"] == "subscribe_events" {
			if subscribed != nil {
				subscribed <- req["event_type"].(string)
			}
		} else if handle != nil {
			result, events = handle(req)
		}

		for _, e := range events {
			conn.WriteJSON(e)
		}
		raw, _ := json.Marshal(result)
		success := true
		conn.WriteJSON(Message{ID: int(id), Type: "result", Success: &success, Result: raw})
	}
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func eventMessage(t *testing.T, eventType string, data any) Message {
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Message{Type: "event", Event: &Event{EventType: eventType, Data: raw}}
}

func TestClient_Connect(t *testing.T) {
	logger := zap.NewNop()
	token := "test_token"

	t.Run("subscribes to every consumed event type", func(t *testing.T) {
		subscribed := make(chan string, len(subscribedEventTypes))
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			serveRequests(conn, subscribed, nil)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		assert.True(t, client.IsConnected())

		var got []string
		for range subscribedEventTypes {
			got = append(got, <-subscribed)
		}
		assert.ElementsMatch(t, subscribedEventTypes, got)
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			serveRequests(conn, nil, nil)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.Connect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")
	})
}

func TestClient_RequestsWhileDisconnected(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", "token", zap.NewNop())

	_, err := client.GetAllStates()
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.CallService(context.Background(), "light", "turn_on", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_Queries(t *testing.T) {
	token := "test_token"
	kitchen := "kitchen"
	device := "dev1"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		serveRequests(conn, nil, func(req map[string]any) (any, []Message) {
			switch req["type"] {
			case "get_states":
				return []*State{
					{EntityID: "binary_sensor.kitchen_motion", State: "on", Attributes: map[string]any{"device_class": "motion"}},
					{EntityID: "light.kitchen", State: "off"},
				}, nil
			case "get_config":
				return Config{State: "RUNNING", Latitude: 51.5, Longitude: -0.12}, nil
			case "config/entity_registry/list":
				return []EntityRegistryEntry{{EntityID: "light.kitchen", AreaID: &kitchen, Platform: "hue"}}, nil
			case "config/device_registry/list":
				return []DeviceRegistryEntry{{ID: device, AreaID: &kitchen}}, nil
			case "config/area_registry/list":
				return []AreaRegistryEntry{{AreaID: kitchen, Name: "Kitchen"}}, nil
			}
			return nil, nil
		})
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	states, err := client.GetAllStates()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "motion", states[0].Record().Attributes.DeviceClass())

	cfg, err := client.GetConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Running())
	assert.InDelta(t, 51.5, cfg.Latitude, 0.001)

	entities, err := client.ListEntityRegistry()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "kitchen", *entities[0].AreaID)

	devices, err := client.ListDeviceRegistry()
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	areas, err := client.ListAreaRegistry()
	require.NoError(t, err)
	assert.Equal(t, []AreaRegistryEntry{{AreaID: "kitchen", Name: "Kitchen"}}, areas)
}

func TestClient_CallService(t *testing.T) {
	token := "test_token"
	received := make(chan CallServiceRequest, 1)

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		serveRequests(conn, nil, func(req map[string]any) (any, []Message) {
			if req["type"] == "call_service" {
				raw, _ := json.Marshal(req)
				var call CallServiceRequest
				json.Unmarshal(raw, &call)
				received <- call
			}
			return nil, nil
		})
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.CallService(context.Background(), "light", "turn_on", map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": 128,
	})
	require.NoError(t, err)

	call := <-received
	assert.Equal(t, "light", call.Domain)
	assert.Equal(t, "turn_on", call.Service)
	assert.Equal(t, "light.kitchen", call.ServiceData["entity_id"])
	assert.Equal(t, float64(128), call.ServiceData["brightness"])
}

func TestClient_EventRouting(t *testing.T) {
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)
		serveRequests(conn, nil, func(req map[string]any) (any, []Message) {
			if req["type"] != "get_config" {
				return nil, nil
			}
			return Config{State: "RUNNING"}, []Message{
				eventMessage(t, EventStateChanged, StateChangedEvent{
					EntityID: "binary_sensor.hall_motion",
					OldState: &State{EntityID: "binary_sensor.hall_motion", State: "off"},
					NewState: &State{EntityID: "binary_sensor.hall_motion", State: "on"},
				}),
				eventMessage(t, EventEntityRegistryUpdated, EntityRegistryUpdatedEvent{
					Action:   "update",
					EntityID: "light.hall",
					Changes:  map[string]any{"area_id": "kitchen"},
				}),
			}
		})
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, zap.NewNop())
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	var mu sync.Mutex
	var perEntity, wildcard []string
	var registry []EntityRegistryUpdatedEvent

	_, err := client.SubscribeStateChanges("binary_sensor.hall_motion", func(id string, _, newState *State) {
		mu.Lock()
		defer mu.Unlock()
		perEntity = append(perEntity, newState.State)
	})
	require.NoError(t, err)

	wildSub, err := client.SubscribeStateChanges(AllEntities, func(id string, _, _ *State) {
		mu.Lock()
		defer mu.Unlock()
		wildcard = append(wildcard, id)
	})
	require.NoError(t, err)

	_, err = client.SubscribeEvents(EventEntityRegistryUpdated, func(e *Event) {
		var data EntityRegistryUpdatedEvent
		json.Unmarshal(e.Data, &data)
		mu.Lock()
		defer mu.Unlock()
		registry = append(registry, data)
	})
	require.NoError(t, err)

	// Events precede the result on the wire, so they are handled by the time
	// the request returns.
	_, err = client.GetConfig()
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"on"}, perEntity)
	assert.Equal(t, []string{"binary_sensor.hall_motion"}, wildcard)
	require.Len(t, registry, 1)
	assert.Equal(t, "update", registry[0].Action)
	assert.Equal(t, "kitchen", registry[0].Changes["area_id"])
	mu.Unlock()

	require.NoError(t, wildSub.Unsubscribe())
	_, err = client.GetConfig()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, perEntity, 2)
	assert.Len(t, wildcard, 1, "unsubscribed wildcard handler must not fire")
}

func TestClient_DisconnectStopsReconnect(t *testing.T) {
	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, "token")
		serveRequests(conn, nil, nil)
	})
	defer server.Close()

	client := NewClient(wsURL(server), "token", zap.NewNop())
	require.NoError(t, client.Connect())
	require.NoError(t, client.Disconnect())
	assert.False(t, client.IsConnected())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, client.IsConnected())
}
