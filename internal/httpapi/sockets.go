package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/carevoice/internal/protocol"
	"github.com/ent0n29/carevoice/internal/realtime"
	"github.com/ent0n29/carevoice/internal/session"
	"github.com/ent0n29/carevoice/internal/transcript"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleSessionWS streams session_state and transcript_message frames for one
// client and accepts client_control and client_text frames.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("client_id", m.ClientID()).Logger()
	log.Debug().Msg("session socket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots, unsubscribe := m.Subscribe()
	defer unsubscribe()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		var lastSeq uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			case msg := <-outbound:
				if err := writeJSON(conn, msg); err != nil {
					return
				}
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				frames, next := sessionFrames(snap, m.Transcript(), lastSeq)
				lastSeq = next
				for _, f := range frames {
					if err := writeJSON(conn, f); err != nil {
						return
					}
				}
			}
		}
	}()

	queue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			log.Warn().Msg("session socket outbound queue full, dropping frame")
		}
	}

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			queue(protocol.NewErrorEvent("invalid_client_message", err.Error()))
			continue
		}
		// Start and End block until the machine settles; keep reading meanwhile.
		go func(msg any) {
			if err := s.applyClientMessage(ctx, m, msg); err != nil {
				_, code := sessionErrorStatus(err)
				queue(protocol.NewErrorEvent(code, err.Error()))
			}
		}(parsed)
	}

	cancel()
	<-writerDone
	log.Debug().Msg("session socket disconnected")
}

func (s *Server) applyClientMessage(ctx context.Context, m *session.Manager, msg any) error {
	switch v := msg.(type) {
	case protocol.ClientControl:
		switch v.Action {
		case protocol.ActionStart:
			return m.Start(ctx, v.PatientID)
		case protocol.ActionEnd:
			// The session outlives the socket; finish the end even if it closes.
			return m.End(context.WithoutCancel(ctx))
		case protocol.ActionDismiss:
			return m.Dismiss()
		}
	case protocol.ClientText:
		return m.SendText(ctx, v.Text)
	}
	return fmt.Errorf("unhandled client message %T", msg)
}

// sessionFrames renders a snapshot plus every transcript turn with a sequence
// number above lastSeq, and returns the highest sequence number rendered.
func sessionFrames(snap session.Snapshot, r transcript.Reader, lastSeq uint64) ([]any, uint64) {
	frames := []any{protocol.SessionState{
		Type:           protocol.TypeSessionState,
		State:          string(snap.State),
		PatientID:      snap.PatientID,
		SessionID:      snap.SessionID,
		ElapsedSeconds: snap.ElapsedSeconds,
		LastError:      snap.LastError,
		Messages:       snap.Messages,
	}}
	for _, msg := range r.Messages() {
		if msg.Seq <= lastSeq {
			continue
		}
		lastSeq = msg.Seq
		frames = append(frames, protocol.TranscriptMessage{
			Type:      protocol.TypeTranscriptMessage,
			ID:        msg.ID,
			Seq:       msg.Seq,
			Role:      string(msg.Role),
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		})
	}
	return frames, lastSeq
}

// handleNotificationsWS streams ownership-checked patient activity to one
// clinician. The subscription lives exactly as long as the socket.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	clinicianID := strings.TrimSpace(chi.URLParam(r, "clinicianID"))
	if clinicianID == "" {
		respondError(w, http.StatusBadRequest, "invalid_clinician_id", "clinician id is required")
		return
	}
	if s.notifier == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "notifier not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("clinician_id", clinicianID).Logger()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan realtime.Event, 64)
	handle, err := s.notifier.Subscribe(ctx, clinicianID, func(ev realtime.Event) {
		select {
		case events <- ev:
		default:
			log.Warn().Str("patient_id", ev.PatientID).Msg("notification socket behind, dropping event")
		}
	})
	if err != nil {
		_ = writeJSON(conn, protocol.NewErrorEvent("subscribe_failed", err.Error()))
		return
	}
	defer s.notifier.Unsubscribe(handle)
	log.Info().Msg("clinician notifications connected")

	go func() {
		defer cancel()
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("clinician notifications disconnected")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev := <-events:
			err := writeJSON(conn, protocol.Notification{
				Type:       protocol.TypeNotification,
				PatientID:  ev.PatientID,
				EventKind:  string(ev.EventKind),
				OccurredAt: ev.OccurredAt,
			})
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func parseLimit(raw string, def, ceiling int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}
