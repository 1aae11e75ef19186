package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"campaign-engine/internal/config"
	"campaign-engine/internal/models"
)

// Content is the rendered message handed to the channel for one recipient.
type Content struct {
	Text     string `json:"text"`
	MediaKey string `json:"media_key,omitempty"`
}

// Sender delivers one message through a connected channel account. The
// engine never talks to the chat network itself; the gateway owns sessions
// and protocol framing.
type Sender interface {
	Send(ctx context.Context, tenantID, accountID, address string, content Content) error
}

// Directory lets the engine ask the gateway for the current group list when
// the local cache is cold.
type Directory interface {
	ListGroups(ctx context.Context, tenantID string) ([]models.Recipient, error)
}

// Gateway is the HTTP client for the channel gateway service.
type Gateway struct {
	http *resty.Client
}

// NewGateway builds the client from config.
func NewGateway(cfg config.Config) *Gateway {
	client := resty.New().
		SetBaseURL(cfg.GatewayBaseURL).
		SetTimeout(cfg.SendTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.GatewayToken != "" {
		client.SetAuthToken(cfg.GatewayToken)
	}
	return &Gateway{http: client}
}

type sendRequest struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	Text      string `json:"text"`
	MediaKey  string `json:"media_key,omitempty"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Send posts one message to the gateway.
func (g *Gateway) Send(ctx context.Context, tenantID, accountID, address string, content Content) error {
	var out sendResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(sendRequest{
			TenantID:  tenantID,
			AccountID: accountID,
			To:        address,
			Text:      content.Text,
			MediaKey:  content.MediaKey,
		}).
		SetResult(&out).
		Post("/v1/messages")
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("gateway send: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !out.Success {
		return fmt.Errorf("gateway send rejected: %s", out.Error)
	}
	return nil
}

type groupListResponse struct {
	Groups []struct {
		JID     string `json:"jid"`
		Subject string `json:"subject"`
	} `json:"groups"`
}

// ListGroups fetches every group the tenant's accounts participate in.
func (g *Gateway) ListGroups(ctx context.Context, tenantID string) ([]models.Recipient, error) {
	var out groupListResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("tenant_id", tenantID).
		SetResult(&out).
		Get("/v1/groups")
	if err != nil {
		return nil, fmt.Errorf("gateway list groups: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("gateway list groups: status %d", resp.StatusCode())
	}
	recipients := make([]models.Recipient, 0, len(out.Groups))
	for _, grp := range out.Groups {
		recipients = append(recipients, models.Recipient{Address: grp.JID, Name: grp.Subject})
	}
	return recipients, nil
}
