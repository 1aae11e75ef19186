package channel

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"campaign-engine/internal/config"
)

// Spinner rewrites message text to vary duplicate fingerprints. It is a
// best-effort collaborator: callers fall back to the untransformed text on
// any failure and never abort a send for it.
type Spinner interface {
	Spin(ctx context.Context, text string) (string, error)
}

// HTTPSpinner calls an external content-transform service.
type HTTPSpinner struct {
	http *resty.Client
	url  string
}

func NewHTTPSpinner(cfg config.Config) *HTTPSpinner {
	return &HTTPSpinner{
		http: resty.New().
			SetTimeout(cfg.SpinnerTimeout).
			SetHeader("Content-Type", "application/json"),
		url: cfg.SpinnerURL,
	}
}

type spinRequest struct {
	Text string `json:"text"`
}

type spinResponse struct {
	Text string `json:"text"`
}

func (s *HTTPSpinner) Spin(ctx context.Context, text string) (string, error) {
	if s.url == "" {
		return text, nil
	}
	var out spinResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(spinRequest{Text: text}).
		SetResult(&out).
		Post(s.url)
	if err != nil {
		return "", fmt.Errorf("spin: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("spin: status %d", resp.StatusCode())
	}
	if out.Text == "" {
		return "", fmt.Errorf("spin: empty response")
	}
	return out.Text, nil
}
