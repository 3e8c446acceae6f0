package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Websocket timings.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Largest client message accepted.
	maxMessageSize = 8 << 10
)

// Capacity of a subscriber's queue. Results published to a full queue are dropped.
const subscriptionBuffer = 16

// Subjects of messages sent over the event stream.
const (
	SubjectResult    = "result"
	SubjectProcess   = "process"
	SubjectSignedURL = "get-signed-url"
	SubjectError     = "error"
)

// BaseRequest carries the subject every client message is routed by.
type BaseRequest struct {
	Subject string `json:"subject"`
}

// ProcessRequest asks for an instance to be processed.
// A nil Watermark keeps the server default.
type ProcessRequest struct {
	ID              string  `json:"id"`
	Watermark       *string `json:"watermark,omitempty"`
	Force           bool    `json:"force,omitempty"`
	RequireMetadata bool    `json:"requireMetadata,omitempty"`
}

// SignedURLRequest asks for a download URL of a rendered image.
type SignedURLRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EventMessage is the envelope of every message sent to a client.
type EventMessage struct {
	Subject string                        `json:"subject"`
	Result  *pacswatch.PipelineResult     `json:"result,omitempty"`
	Object  *pacswatch.CloudStorageObject `json:"object,omitempty"`
	Error   string                        `json:"error,omitempty"`
	Code    string                        `json:"code,omitempty"`
}

// EventHub broadcasts pipeline results to websocket subscribers.
// It implements pacswatch.EventService.
type EventHub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

var _ pacswatch.EventService = (*EventHub)(nil)

// NewEventHub returns a new instance of EventHub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[*Subscription]struct{})}
}

// Subscription is a stream of results. Its channel is closed once the
// subscription or the hub is closed.
type Subscription struct {
	hub  *EventHub
	c    chan *pacswatch.PipelineResult
	once sync.Once
}

// C returns the channel results are delivered on.
func (sub *Subscription) C() <-chan *pacswatch.PipelineResult {
	return sub.c
}

// Close removes the subscription from its hub.
func (sub *Subscription) Close() {
	sub.hub.Unsubscribe(sub)
}

func (sub *Subscription) close() {
	sub.once.Do(func() { close(sub.c) })
}

// Subscribe registers a new subscriber.
func (h *EventHub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, c: make(chan *pacswatch.PipelineResult, subscriptionBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (h *EventHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	sub.close()
}

// PublishResult delivers result to every subscriber without blocking.
func (h *EventHub) PublishResult(result *pacswatch.PipelineResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.c <- result:
		default:
			log.Printf("[http] event queue full, dropping result of %s", result.InstanceID)
		}
	}
}

// SubscriberN returns the number of active subscribers.
func (h *EventHub) SubscriberN() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers. Later subscriptions are closed at once.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}

// handleEvents handles the "GET /events" route. It upgrades the connection to
// a WebSocket that streams every pipeline result and answers process &
// signed URL requests.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// upgrade this connection to a WebSocket
	// connection
	conn, err := s.WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		LogError(r, err)
		return
	}
	defer conn.Close()

	sub := s.Events.Subscribe()
	defer sub.Close()

	replies := make(chan *EventMessage)
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(stopped)
		s.wsWriter(conn, sub, replies, done)
	}()

	s.wsReader(r.Context(), conn, replies, stopped)
	close(done)
	<-stopped
}

// wsWriter is the only goroutine writing to conn. It returns once done is
// closed or the subscription ends.
func (s *Server) wsWriter(conn *websocket.Conn, sub *Subscription, replies <-chan *EventMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var msg *EventMessage
		select {
		case <-done:
			return
		case result, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				conn.Close()
				return
			}
			msg = &EventMessage{Subject: SubjectResult, Result: result}
		case msg = <-replies:
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("[http] event could not be streamed to client: %s", err)
			conn.Close()
			return
		}
	}
}

// define a reader which will listen for
// new messages being sent to our WebSocket
// endpoint
func (s *Server) wsReader(ctx context.Context, conn *websocket.Conn, replies chan<- *EventMessage, stopped <-chan struct{}) {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	reply := func(msg *EventMessage) bool {
		select {
		case replies <- msg:
			return true
		case <-stopped:
			return false
		}
	}

	for {
		// read in a message
		_, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[http] streamed messages could not be read: %s", err)
			}
			return
		}

		req := &BaseRequest{}
		if err := json.Unmarshal(p, req); err != nil {
			if !reply(errorMessage(pacswatch.Errorf(pacswatch.EINVALID, "invalid request"))) {
				return
			}
			continue
		}

		var msg *EventMessage
		switch req.Subject {
		case SubjectProcess:
			// Runs may outlast pongWait; the loop must keep reading pongs.
			wg.Add(1)
			go func() {
				defer wg.Done()
				reply(s.wsProcess(ctx, p))
			}()
			continue
		case SubjectSignedURL:
			msg = s.wsSignedURL(p)
		default:
			msg = errorMessage(pacswatch.Errorf(pacswatch.EINVALID, "unknown subject %q", req.Subject))
		}
		if !reply(msg) {
			return
		}
	}
}

func (s *Server) wsProcess(ctx context.Context, p []byte) *EventMessage {
	req := &ProcessRequest{}
	if err := GenerateRequestMessage(req, p); err != nil {
		return errorMessage(pacswatch.WrapError(pacswatch.EINVALID, err, "invalid process request"))
	}

	opts := s.ProcessOptions
	if req.Watermark != nil {
		opts.Watermark = *req.Watermark
	}
	opts.Force = req.Force
	opts.RequireMetadata = opts.RequireMetadata || req.RequireMetadata

	return &EventMessage{Subject: SubjectProcess, Result: s.Processor.Process(ctx, req.ID, opts)}
}

func (s *Server) wsSignedURL(p []byte) *EventMessage {
	req := &SignedURLRequest{}
	if err := GenerateRequestMessage(req, p); err != nil {
		return errorMessage(pacswatch.WrapError(pacswatch.EINVALID, err, "invalid signed URL request"))
	}

	object, err := s.signRenderedURL(req.ID, req.Name)
	if err != nil {
		if pacswatch.ErrorCode(err) == pacswatch.EINTERNAL {
			pacswatch.ReportError(context.Background(), err)
		}
		return errorMessage(err)
	}
	return &EventMessage{Subject: SubjectSignedURL, Object: object}
}

func errorMessage(err error) *EventMessage {
	return &EventMessage{
		Subject: SubjectError,
		Error:   pacswatch.ErrorMessage(err),
		Code:    pacswatch.ErrorCode(err),
	}
}

// GenerateRequestMessage decodes a client message into reqMsg.
func GenerateRequestMessage(reqMsg interface{}, message []byte) error {
	err := json.Unmarshal(message, reqMsg)
	if err != nil {
		return fmt.Errorf("unable to generate request message: %v", err)
	}

	return nil
}
