package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/templates"
)

// apiError is a non-2xx response from the API.
type apiError struct {
	Status    int
	Message   string
	ResetTime int // seconds, set on 429
}

func (e *apiError) Error() string {
	if e.ResetTime > 0 {
		return fmt.Sprintf("%s (HTTP %d, retry in %ds)", e.Message, e.Status, e.ResetTime)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// apiClient talks to the admin e-mail REST API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:  baseURL(serverAddr),
		token: jwtToken,
		http:  &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error     string `json:"error"`
			ResetTime int    `json:"resetTime"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error, ResetTime: e.ResetTime}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type submitResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	TaskID     string `json:"taskId"`
	Recipients int    `json:"recipients"`
	CampaignID string `json:"campaignId"`
}

func (c *apiClient) SubmitBulk(ctx context.Context, req campaign.BulkRequest) (submitResponse, error) {
	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/email/bulk", req, &out)
	return out, err
}

func (c *apiClient) SubmitAll(ctx context.Context, req campaign.AllRequest) (submitResponse, error) {
	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/email/all", req, &out)
	return out, err
}

func (c *apiClient) TaskStatus(ctx context.Context, taskID string) (celery.Result, error) {
	var out celery.Result
	err := c.do(ctx, http.MethodGet, "/api/admin/email/task/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

func (c *apiClient) Campaigns(ctx context.Context, limit int) ([]campaign.Campaign, error) {
	path := "/api/admin/email/campaigns"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Campaigns []campaign.Campaign `json:"campaigns"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Campaigns, err
}

func (c *apiClient) UpdateCampaign(ctx context.Context, id string, p campaign.Patch) (campaign.Campaign, error) {
	var out struct {
		Campaign campaign.Campaign `json:"campaign"`
	}
	err := c.do(ctx, http.MethodPatch, "/api/admin/email/campaigns/"+url.PathEscape(id), p, &out)
	return out.Campaign, err
}

func (c *apiClient) Templates(ctx context.Context) ([]templates.Template, error) {
	var out struct {
		Templates []templates.Template `json:"templates"`
	}
	err := c.do(ctx, http.MethodGet, "/api/admin/email/templates", nil, &out)
	return out.Templates, err
}

// Healthz returns the status code and body of /healthz.
func (c *apiClient) Healthz(ctx context.Context) (int, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP health check failed: %w", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body, nil
}
