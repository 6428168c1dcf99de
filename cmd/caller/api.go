package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiClient talks to the Classmate REST API.
type apiClient struct {
	base string
	http *http.Client
}

type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

type joinResponse struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Capacity    int    `json:"capacity"`
	MemberCount int    `json:"memberCount"`
}

type statusResponse struct {
	Session struct {
		ID       string `json:"id"`
		Topic    string `json:"topic"`
		Status   string `json:"status"`
		Capacity int    `json:"capacity"`
	} `json:"session"`
	Members []struct {
		ParticipantKey string `json:"participantKey"`
		DisplayName    string `json:"displayName"`
	} `json:"members"`
	MemberCount int `json:"memberCount"`
}

type iceResponse struct {
	ICEServers []struct {
		URLs []string `json:"urls"`
	} `json:"iceServers"`
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) join(ctx context.Context, topic, key, name string, capacity int) (joinResponse, error) {
	var res joinResponse
	err := c.do(ctx, http.MethodPost, "/api/join", map[string]any{
		"topic":          topic,
		"participantKey": key,
		"displayName":    name,
		"capacity":       capacity,
	}, &res)
	return res, err
}

// heartbeat keeps the membership within member_ttl without changing the
// member order.
func (c *apiClient) heartbeat(ctx context.Context, sessionID, key string) error {
	return c.do(ctx, http.MethodPost, "/api/heartbeat", map[string]any{
		"sessionId":      sessionID,
		"participantKey": key,
	}, nil)
}

func (c *apiClient) status(ctx context.Context, sessionID string) (statusResponse, error) {
	var res statusResponse
	err := c.do(ctx, http.MethodGet, "/api/status?sessionId="+url.QueryEscape(sessionID), nil, &res)
	return res, err
}

func (c *apiClient) leave(ctx context.Context, sessionID, key string) error {
	return c.do(ctx, http.MethodPost, "/api/leave", map[string]any{
		"sessionId":      sessionID,
		"participantKey": key,
	}, nil)
}

func (c *apiClient) iceURLs(ctx context.Context) ([]string, error) {
	var res iceResponse
	if err := c.do(ctx, http.MethodGet, "/api/ice", nil, &res); err != nil {
		return nil, err
	}
	var urls []string
	for _, s := range res.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return urls, nil
}

// signalURL turns the API base into the WebSocket signaling endpoint.
func (c *apiClient) signalURL(sessionID, key string) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws/signal"
	u.RawQuery = url.Values{"sessionId": {sessionID}, "participantKey": {key}}.Encode()
	return u.String(), nil
}
