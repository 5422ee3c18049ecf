package monitorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/resilience"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

const applicationGroupName = "fleetwatch"

// HTTPClient talks to the push-monitor service's REST API. Responses are
// read with gjson rather than unmarshaled into full structs, a lightweight
// access pattern for external HTTP calls.
type HTTPClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	log        *logger.Logger
}

// NewHTTPClient builds a monitor client against baseURL, authenticating with
// HTTP basic auth when username is set.
func NewHTTPClient(baseURL, username, password string, log *logger.Logger) *HTTPClient {
	if log == nil {
		log = logger.NewDefault("monitorclient")
	}
	return &HTTPClient{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    resilience.New(resilience.DefaultConfig()),
		log:        log,
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	var result gjson.Result
	err := c.breaker.Execute(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			reqBody = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("monitor request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read monitor response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("monitor service returned %d: %s", resp.StatusCode, string(raw))
		}
		result = gjson.ParseBytes(raw)
		return nil
	})
	return result, err
}

// findIDByName scans a JSON array of {id, name} objects for a case-sensitive
// name match, the lookup step every Ensure* call uses before creating.
func findIDByName(list gjson.Result, name string) (int64, bool) {
	var id int64
	var found bool
	list.ForEach(func(_, entry gjson.Result) bool {
		if entry.Get("name").String() == name {
			id = entry.Get("id").Int()
			found = true
			return false
		}
		return true
	})
	return id, found
}

func (c *HTTPClient) EnsureGroup(ctx context.Context, name string) (int64, error) {
	list, err := c.do(ctx, http.MethodGet, "/monitors?type=group", nil)
	if err != nil {
		return 0, fmt.Errorf("list monitor groups: %w", err)
	}
	if id, ok := findIDByName(list, name); ok {
		c.log.WithField("group", name).Debug("monitor group already exists")
		return id, nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/monitors", map[string]any{
		"type": "group",
		"name": name,
	})
	if err != nil {
		return 0, fmt.Errorf("create monitor group: %w", err)
	}
	c.log.WithField("group", name).Info("monitor group created")
	return resp.Get("id").Int(), nil
}

func (c *HTTPClient) EnsureNotification(ctx context.Context, userName, address string, templates domain.NotificationTemplates) (int64, error) {
	notifName := userName + "_mail"

	list, err := c.do(ctx, http.MethodGet, "/notifications", nil)
	if err != nil {
		return 0, fmt.Errorf("list notifications: %w", err)
	}
	if id, ok := findIDByName(list, notifName); ok {
		return id, nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/notifications", map[string]any{
		"name": notifName,
		"type": "smtp",
		"config": map[string]any{
			"smtpTo":       address,
			"customBody":   templates.Offline,
			"onlineBody":   templates.Online,
			"htmlBody":     true,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("create notification: %w", err)
	}
	c.log.WithField("user", userName).Info("notification created")
	return resp.Get("id").Int(), nil
}

func (c *HTTPClient) EnsureMonitor(ctx context.Context, userName string, cfg MonitorConfig) (int64, error) {
	list, err := c.do(ctx, http.MethodGet, "/monitors", nil)
	if err != nil {
		return 0, fmt.Errorf("list monitors: %w", err)
	}
	if id, ok := findIDByName(list, userName); ok {
		return id, nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/monitors", map[string]any{
		"type":           "push",
		"name":           userName,
		"interval":       cfg.IntervalSeconds,
		"maxRetries":     cfg.MaxRetries,
		"retryInterval":  cfg.IntervalSeconds,
		"pushToken":      userName,
		"parent":         cfg.GroupID,
		"notificationId": cfg.NotificationID,
	})
	if err != nil {
		return 0, fmt.Errorf("create monitor: %w", err)
	}
	c.log.WithField("user", userName).Info("monitor created")
	return resp.Get("id").Int(), nil
}

func (c *HTTPClient) DeleteMonitor(ctx context.Context, userName string) error {
	list, err := c.do(ctx, http.MethodGet, "/monitors", nil)
	if err != nil {
		return fmt.Errorf("list monitors: %w", err)
	}
	id, ok := findIDByName(list, userName)
	if !ok {
		return nil
	}
	_, err = c.do(ctx, http.MethodDelete, fmt.Sprintf("/monitors/%d", id), nil)
	if err != nil {
		return fmt.Errorf("delete monitor %s: %w", userName, err)
	}
	return nil
}

func (c *HTTPClient) DeleteNotification(ctx context.Context, userName string) error {
	notifName := userName + "_mail"
	list, err := c.do(ctx, http.MethodGet, "/notifications", nil)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	id, ok := findIDByName(list, notifName)
	if !ok {
		return nil
	}
	_, err = c.do(ctx, http.MethodDelete, fmt.Sprintf("/notifications/%d", id), nil)
	if err != nil {
		return fmt.Errorf("delete notification %s: %w", userName, err)
	}
	return nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context, userName string, ok bool, message string) error {
	path := fmt.Sprintf("/api/push/%s?status=up", userName)
	if !ok {
		path = fmt.Sprintf("/api/push/%s?status=down&msg=%s", userName, message)
	}
	_, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", userName, err)
	}
	return nil
}
