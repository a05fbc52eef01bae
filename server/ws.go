package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/store"
	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	streamQueue = 64
)

// streamableKeys are the record keys a client may watch. The session key is
// process wide and never streamed.
var streamableKeys = map[string]bool{
	store.UsersKey:        true,
	store.EmergenciesKey:  true,
	store.HistoryKey:      true,
	store.LocationDataKey: true,
}

type changeMessage struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	At    time.Time       `json:"at"`
}

// streamChanges upgrades to a websocket and forwards every change to the
// requested keys until the client goes away.
func (app *App) streamChanges(rw http.ResponseWriter, r *http.Request) {
	keys, err := parseStreamKeys(r.URL.Query().Get("keys"))
	if err != nil {
		rw.Header().Add("Content-Type", "application/json")
		writeResponse(rw, ResponsePayload{Errors: []string{err.Error()}}, http.StatusBadRequest)
		return
	}

	messages := make(chan changeMessage, streamQueue)
	done := make(chan struct{})
	origin := notifier.NewContextID()

	var subs []notifier.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for _, key := range keys {
		sub, err := app.store.Notifier().Subscribe(origin, key, func(event notifier.Event) {
			msg, err := toChangeMessage(event)
			if err != nil {
				logg.Errorf("stream %v: %v", event.Key, err)
				return
			}

			select {
			case messages <- msg:
			case <-done:
			default:
				logg.Warnf("dropping %v change for slow websocket client", event.Key)
			}
		})
		if err != nil {
			rw.Header().Add("Content-Type", "application/json")
			writeError(rw, err)
			return
		}
		subs = append(subs, sub)
	}

	// Subscribed before the upgrade so nothing published after the handshake is missed.
	conn, err := app.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		logg.Errorf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Current documents first, then every change after them.
	for _, key := range keys {
		raw, found, err := app.store.Raw(r.Context(), key)
		if err != nil || !found {
			continue
		}

		msg, err := toChangeMessage(notifier.Event{Key: key, Value: raw, At: time.Now()})
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	// The reader only exists to notice the client closing the socket.
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-messages:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func parseStreamKeys(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{store.EmergenciesKey}, nil
	}

	var keys []string
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if !streamableKeys[key] {
			return nil, fmt.Errorf("cannot stream key %q", key)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// toChangeMessage strips password hashes from user lists before they leave the process.
func toChangeMessage(event notifier.Event) (changeMessage, error) {
	msg := changeMessage{Key: event.Key, Value: event.Value, At: event.At}
	if event.Key != store.UsersKey || len(event.Value) == 0 {
		return msg, nil
	}

	var users []store.User
	if err := json.Unmarshal(event.Value, &users); err != nil {
		return msg, err
	}
	for i := range users {
		users[i] = users[i].Public()
	}

	value, err := json.Marshal(users)
	if err != nil {
		return msg, err
	}
	msg.Value = value
	return msg, nil
}
