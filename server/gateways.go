package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/giantswarm/idp-oauth/internal/util"
)

// HTTPRequestObjectGateway fetches request objects over HTTPS.
type HTTPRequestObjectGateway struct {
	Client        *http.Client
	MaxSize       int64
	AllowInsecure bool
}

// NewHTTPRequestObjectGateway creates a gateway limited to maxSize bytes per object
func NewHTTPRequestObjectGateway(client *http.Client, maxSize int64, allowInsecure bool) *HTTPRequestObjectGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRequestObjectGateway{Client: client, MaxSize: maxSize, AllowInsecure: allowInsecure}
}

// Fetch implements RequestObjectGateway
func (g *HTTPRequestObjectGateway) Fetch(ctx context.Context, requestURI string) ([]byte, error) {
	if err := util.ValidateOutboundURL(requestURI, g.AllowInsecure); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURI, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/oauth-authz-req+jwt, application/jwt")

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, g.MaxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > g.MaxSize {
		return nil, fmt.Errorf("request object exceeds %d bytes", g.MaxSize)
	}
	return bytes.TrimSpace(body), nil
}

// HTTPClientNotificationGateway posts CIBA ping notifications.
type HTTPClientNotificationGateway struct {
	Client        *http.Client
	AllowInsecure bool
}

// NewHTTPClientNotificationGateway creates a ping notification gateway
func NewHTTPClientNotificationGateway(client *http.Client, allowInsecure bool) *HTTPClientNotificationGateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClientNotificationGateway{Client: client, AllowInsecure: allowInsecure}
}

// Notify implements ClientNotificationGateway
func (g *HTTPClientNotificationGateway) Notify(ctx context.Context, endpoint, clientNotificationToken, authReqID string) error {
	if err := util.ValidateOutboundURL(endpoint, g.AllowInsecure); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]string{"auth_req_id": authReqID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+clientNotificationToken)

	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
