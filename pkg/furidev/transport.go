package furidev

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// transport talks to the device API of a furi server.
type transport struct {
	server string
	id     int64
	secret string
	client *http.Client
}

type authRequest struct {
	ID int64  `json:"id"`
	Pw string `json:"pw"`
}

type authResponse struct {
	Token string `json:"token"`
}

type valueRequest struct {
	Value string `json:"value"`
}

func newTransport(cfg Config, client *http.Client) *transport {
	return &transport{
		server: strings.TrimSuffix(cfg.Server, "/"),
		id:     cfg.DeviceID,
		secret: cfg.Secret,
		client: client,
	}
}

// authenticate exchanges the device credentials for a session token.
func (t *transport) authenticate(ctx context.Context) (string, error) {
	resp, err := t.post(ctx, "", "/api/device/auth", authRequest{ID: t.id, Pw: t.secret})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", ErrAuthenticationFailed
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: auth returned %s", ErrTransportFailure, resp.Status)
	}
	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("%w: decoding auth response: %w", ErrTransportFailure, err)
	}
	if auth.Token == "" {
		return "", fmt.Errorf("%w: empty session token", ErrAuthenticationFailed)
	}
	return auth.Token, nil
}

// openStream opens the push stream. The stream lives as long as ctx.
func (t *transport) openStream(ctx context.Context, token string) (*eventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.server+"/api/device/start", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrAuthenticationFailed
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: stream returned %s", ErrTransportFailure, resp.Status)
	}
	return newEventStream(resp.Body), nil
}

func (t *transport) sendSensor(ctx context.Context, token string, sensorID int64, value string) error {
	return t.expectNoContent(t.post(ctx, token, fmt.Sprintf("/api/device/sensor/%d", sensorID), valueRequest{Value: value}))
}

func (t *transport) unpress(ctx context.Context, token string, controlID int64) error {
	return t.expectNoContent(t.post(ctx, token, fmt.Sprintf("/api/device/control/%d/unpress", controlID), struct{}{}))
}

func (t *transport) post(ctx context.Context, token, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.server+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	return resp, nil
}

func (t *transport) expectNoContent(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s %s", ErrTransportFailure, resp.Request.URL.Path, resp.Status)
	}
	return nil
}

// eventStream reads server-sent events from a response body.
type eventStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// next returns the data of the next event. Comment lines and events without
// data are skipped.
func (s *eventStream) next() (string, error) {
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *eventStream) close() {
	s.closeOnce.Do(func() {
		s.body.Close()
	})
}
