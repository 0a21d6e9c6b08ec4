// Package profile fetches participant display metadata from the REST
// profile API when signaling payloads omit it.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mivora/callkit/internal/domain"
)

type Client struct {
	http *resty.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(5 * time.Second).
			SetRetryCount(1),
	}
}

func (c *Client) Fetch(ctx context.Context, uid domain.UserID) (*domain.UserInfo, error) {
	var out domain.UserInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", string(uid)).
		SetResult(&out).
		Get("/users/{id}")
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", uid, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("fetch profile %s: status %d", uid, resp.StatusCode())
	}
	if out.ID == "" {
		out.ID = uid
	}
	return &out, nil
}
