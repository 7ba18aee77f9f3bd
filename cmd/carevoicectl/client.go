package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/protocol"
)

// apiClient talks to a running carevoice server.
type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(server string) (*apiClient, error) {
	server = strings.TrimSpace(server)
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", server, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server address %q: scheme must be http or https", server)
	}
	return &apiClient{base: u, http: &http.Client{Timeout: 15 * time.Second}}, nil
}

func (c *apiClient) endpoint(path string) string {
	return c.base.String() + path
}

type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Msg)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: res.StatusCode, Code: payload.Code, Msg: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *apiClient) history(ctx context.Context, patientID string, limit int) ([]memory.ConversationRecord, error) {
	path := "/v1/patients/" + url.PathEscape(patientID) + "/conversations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Conversations []memory.ConversationRecord `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *apiClient) assign(ctx context.Context, p memory.Patient) (memory.Patient, error) {
	var out memory.Patient
	body := map[string]string{"display_name": p.DisplayName, "clinician_id": p.ClinicianID}
	err := c.do(ctx, http.MethodPut, "/v1/patients/"+url.PathEscape(p.ID), body, &out)
	return out, err
}

func (c *apiClient) checkIn(ctx context.Context, patientID, note string) (memory.CheckIn, error) {
	var out memory.CheckIn
	err := c.do(ctx, http.MethodPost, "/v1/patients/"+url.PathEscape(patientID)+"/check-ins", map[string]string{"note": note}, &out)
	return out, err
}

func (c *apiClient) patients(ctx context.Context, clinicianID string) ([]memory.Patient, error) {
	var out struct {
		Patients []memory.Patient `json:"patients"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/clinicians/"+url.PathEscape(clinicianID)+"/patients", nil, &out); err != nil {
		return nil, err
	}
	return out.Patients, nil
}

// watch streams notifications for a clinician until ctx ends or the server
// closes the socket.
func (c *apiClient) watch(ctx context.Context, clinicianID string, onEvent func(protocol.Notification)) error {
	wsURL := *c.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimRight(wsURL.Path, "/") + "/v1/clinicians/" + url.PathEscape(clinicianID) + "/notifications/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL.String(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var frame struct {
			protocol.Notification
			Code   string `json:"code"`
			Detail string `json:"detail"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		switch frame.Type {
		case protocol.TypeNotification:
			onEvent(frame.Notification)
		case protocol.TypeErrorEvent:
			return fmt.Errorf("server error %s: %s", frame.Code, frame.Detail)
		}
	}
}
