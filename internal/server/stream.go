package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/ppiankov/crisisgraph/internal/broadcast"
	"github.com/ppiankov/crisisgraph/internal/model"
)

// eventError reports a rejected client message to that client only
const eventError model.EventType = "error"

// clientMessage is a frame sent by a dashboard. The body may arrive under
// "payload" or "data".
type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

func (m clientMessage) body() json.RawMessage {
	if len(m.Payload) > 0 {
		return m.Payload
	}
	return m.Data
}

type humanDecision struct {
	ItemType  string `json:"item_type"` // contradiction, action, plan or camp
	ItemID    string `json:"item_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason"`
}

func (s *Server) websocketHandler() http.Handler {
	return websocket.Server{
		Handshake: s.checkOrigin,
		Handler:   s.serveStream,
	}
}

func (s *Server) checkOrigin(_ *websocket.Config, r *http.Request) error {
	if len(s.opts.AllowedOrigins) == 0 {
		return nil
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return nil
		}
	}
	return fmt.Errorf("origin %q not allowed", origin)
}

// serveStream sends initial_state, then every hub event, while reading
// control messages from the client. A client that cannot keep up is dropped
// by the hub and its connection closed.
func (s *Server) serveStream(ws *websocket.Conn) {
	sub := s.coord.Subscribe()
	log := s.logger.With(zap.String("subscription", sub.ID), zap.String("remote", ws.Request().RemoteAddr))
	log.Info("stream opened")

	replies := make(chan model.Event, 8)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ws, sub, replies, done, log)
	}()

	s.readPump(ws, replies, log)

	close(done)
	s.coord.Unsubscribe(sub)
	<-writerDone
	log.Info("stream closed", zap.Bool("dropped", sub.Dropped()))
}

func (s *Server) writePump(ws *websocket.Conn, sub *broadcast.Subscription, replies <-chan model.Event, done <-chan struct{}, log *zap.Logger) {
	defer ws.Close()
	for {
		var ev model.Event
		select {
		case e, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					log.Warn("stream dropped: client too slow")
				}
				return
			}
			ev = e
		case ev = <-replies:
		case <-done:
			return
		case <-s.base.Done():
			return
		}
		if err := websocket.JSON.Send(ws, ev); err != nil {
			log.Debug("stream write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) readPump(ws *websocket.Conn, replies chan<- model.Event, log *zap.Logger) {
	reply := func(ev model.Event) {
		ev.Timestamp = time.Now().UTC()
		select {
		case replies <- ev:
		default:
		}
	}

	for {
		var frame string
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal([]byte(frame), &msg); err != nil {
			reply(model.Event{Type: eventError, Payload: map[string]string{"error": "malformed message"}})
			continue
		}
		if err := s.handleMessage(msg, reply); err != nil {
			log.Info("client message rejected", zap.String("type", msg.Type), zap.Error(err))
			reply(model.Event{Type: eventError, Payload: map[string]string{"type": msg.Type, "error": err.Error()}})
		}
	}
}

func (s *Server) handleMessage(msg clientMessage, reply func(model.Event)) error {
	switch msg.Type {
	case "human_decision":
		var d humanDecision
		if err := decodeBody(msg.body(), &d); err != nil {
			return err
		}
		switch d.ItemType {
		case "contradiction":
			_, err := s.coord.ResolveContradiction(d.ItemID, d.Decision, d.DecidedBy)
			return err
		case "action":
			_, err := s.coord.DecideAction(d.ItemID, d.Decision, d.DecidedBy, d.Reason)
			return err
		case "plan":
			_, err := s.coord.DecidePlan(d.ItemID, d.Decision, d.DecidedBy, d.Reason)
			return err
		case "camp":
			_, err := s.coord.DecideCamp(d.ItemID, d.Decision, d.DecidedBy, d.Reason)
			return err
		}
		return fmt.Errorf("unknown item type %q", d.ItemType)

	case "request_refresh":
		snap := s.coord.Snapshot()
		reply(model.Event{Type: model.EventGraphUpdate, Payload: snap, Version: snap.Version})
		return nil

	case "start_simulation":
		var req startRequest
		if err := decodeBody(msg.body(), &req); err != nil {
			return err
		}
		return s.coord.StartSimulation(s.base, req.ScenarioID, req.Speed)

	case "pause_simulation":
		return s.coord.PauseSimulation()

	case "resume_simulation":
		return s.coord.ResumeSimulation()

	case "reset_simulation":
		s.coord.ResetSimulation()
		return nil

	case "set_speed":
		var req speedRequest
		if err := decodeBody(msg.body(), &req); err != nil {
			return err
		}
		return s.coord.SetSimulationSpeed(req.Speed)
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

func decodeBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
