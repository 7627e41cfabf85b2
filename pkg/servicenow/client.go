package servicenow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/models"
)

const tableAPIPath = "/api/now/table/"

// Client talks to the ServiceNow Table API over basic auth
type Client struct {
	baseURL    *url.URL
	username   string
	password   string
	pageSize   int
	maxRetries int
	httpClient *http.Client
}

// New creates a new ServiceNow client
func New(cfg config.ServiceNowConfig) (*Client, error) {
	// Check for direct environment variables first
	instance := os.Getenv("SERVICENOW_INSTANCE_URL")
	if instance == "" {
		instance = cfg.InstanceURL
	}

	username := os.Getenv("SERVICENOW_USERNAME")
	if username == "" {
		username = cfg.Username
	}

	password := os.Getenv("SERVICENOW_PASSWORD")
	if password == "" {
		password = cfg.Password
	}

	base, err := url.Parse(strings.TrimSuffix(instance, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid instance URL %q: %w", instance, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	log.Debug().
		Str("instance", base.String()).
		Str("username", username).
		Msg("Creating ServiceNow client")

	return &Client{
		baseURL:    base,
		username:   username,
		password:   password,
		pageSize:   pageSize,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// errorResponse is the failure envelope the Table API returns
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
	Status string `json:"status"`
}

// GetRecord retrieves a single record by sys_id
func (c *Client) GetRecord(ctx context.Context, table, sysID string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("sysparm_display_value", "false")
	params.Set("sysparm_exclude_reference_link", "true")

	var response struct {
		Result map[string]interface{} `json:"result"`
	}
	if _, err := c.get(ctx, tableAPIPath+table+"/"+sysID, params, &response); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("record %s/%s: %w", table, sysID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get record %s/%s: %w", table, sysID, err)
	}

	return response.Result, nil
}

// QueryRecords retrieves one page of records matching the encoded query and
// the server-reported total for the whole result set
func (c *Client) QueryRecords(ctx context.Context, table string, query *Query, limit, offset int) ([]map[string]interface{}, int, error) {
	if limit <= 0 {
		limit = c.pageSize
	}

	params := url.Values{}
	params.Set("sysparm_display_value", "false")
	params.Set("sysparm_exclude_reference_link", "true")
	params.Set("sysparm_limit", strconv.Itoa(limit))
	params.Set("sysparm_offset", strconv.Itoa(offset))
	if query != nil && !query.IsEmpty() {
		params.Set("sysparm_query", query.String())
	}

	var response struct {
		Result []map[string]interface{} `json:"result"`
	}
	header, err := c.get(ctx, tableAPIPath+table, params, &response)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query %s: %w", table, err)
	}

	total := offset + len(response.Result)
	if v := header.Get("X-Total-Count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			total = n
		}
	}

	log.Debug().
		Str("table", table).
		Int("count", len(response.Result)).
		Int("total", total).
		Msg("Retrieved records from ServiceNow")

	return response.Result, total, nil
}

// GetTaskSLAs retrieves the task_sla rows attached to a task record. Display
// values are requested alongside raw values so the SLA definition name comes
// through the reference field.
func (c *Client) GetTaskSLAs(ctx context.Context, taskSysID string) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("sysparm_display_value", "all")
	params.Set("sysparm_exclude_reference_link", "true")
	params.Set("sysparm_limit", strconv.Itoa(c.pageSize))
	params.Set("sysparm_query", NewQuery().Eq("task", taskSysID).OrderBy("sys_created_on").String())

	var response struct {
		Result []map[string]interface{} `json:"result"`
	}
	if _, err := c.get(ctx, tableAPIPath+TableTaskSLA, params, &response); err != nil {
		return nil, fmt.Errorf("failed to query task SLAs for %s: %w", taskSysID, err)
	}

	return response.Result, nil
}

// get executes one API request with retry on rate limits and server errors
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) (http.Header, error) {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = params.Encode()

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")

		header, err := c.do(req, out)
		if err == nil {
			return header, nil
		}

		if !RetryableError(err) || attempt >= c.maxRetries {
			return nil, err
		}

		delay := GetRetryDelay(attempt, err)
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("path", path).
			Msg("Retrying ServiceNow request")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// do executes the request and decodes the response body into out
func (c *Client) do(req *http.Request, out interface{}) (http.Header, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, models.ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}

		var envelope errorResponse
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}

		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}

		return nil, apiErr
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.Header, nil
}
