package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetwatch/orchestrator/internal/domain"
	"github.com/fleetwatch/orchestrator/internal/ratelimit"
	"github.com/fleetwatch/orchestrator/internal/resilience"
	"github.com/fleetwatch/orchestrator/pkg/logger"
)

// RemoteClient is the Scraper (C4) implementation used in production: the
// browser-automation engine runs as a separate process (REMOTE_DRIVER_URL),
// reached over HTTP the same way HTTPClient reaches the push-monitor
// service. A circuit breaker guards against a wedged driver process taking
// every instance down with it.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	limiter    *ratelimit.Limiter
	log        *logger.Logger
}

// NewRemoteClient builds a Scraper against baseURL, the REMOTE_DRIVER_URL
// of a running browser-automation service. Calls are rate limited: a single
// driver process cannot run many browser sessions at once, and a reconcile
// cycle can wake dozens of instances in the same minute.
func NewRemoteClient(baseURL string, log *logger.Logger) *RemoteClient {
	if log == nil {
		log = logger.NewDefault("scraper")
	}
	return &RemoteClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		breaker:    resilience.New(resilience.DefaultConfig()),
		limiter:    ratelimit.New(ratelimit.DefaultConfig()),
		log:        log,
	}
}

type runRequest struct {
	EmployeeNumber string `json:"employeeNumber"`
	Password       string `json:"password"`
	Mode           string `json:"mode"`
}

type runResponse struct {
	Shifts       domain.ShiftSet `json:"shifts"`
	FailureKind  string          `json:"failureKind"`
	FailureError string          `json:"failureError,omitempty"`
}

// Run POSTs creds to the remote driver's /run endpoint and translates its
// response into either a ShiftSet or a FailureError. Connection failures
// and non-2xx responses become FailureConnectError; ctx cancellation aborts
// the in-flight request exactly as the contract requires.
func (c *RemoteClient) Run(ctx context.Context, creds Credentials, mode Mode) (domain.ShiftSet, error) {
	body, err := json.Marshal(runRequest{
		EmployeeNumber: creds.EmployeeNumber,
		Password:       creds.Password,
		Mode:           string(mode),
	})
	if err != nil {
		return nil, &FailureError{Kind: domain.FailureOther(err.Error())}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FailureError{Kind: domain.FailureOther(err.Error())}
	}

	var parsed runResponse
	breakerErr := c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("driver returned %d: %s", resp.StatusCode, string(raw))
		}
		return json.Unmarshal(raw, &parsed)
	})
	if breakerErr != nil {
		if ctx.Err() != nil {
			return nil, &FailureError{Kind: domain.FailureOther(ctx.Err().Error())}
		}
		c.log.WithError(breakerErr).Warn("remote driver call failed")
		return nil, &FailureError{Kind: domain.FailureConnectError}
	}

	switch parsed.FailureKind {
	case "", "ok":
		return parsed.Shifts, nil
	case "tries_exceeded":
		return nil, &FailureError{Kind: domain.FailureTriesExceeded}
	case "browser_engine":
		return nil, &FailureError{Kind: domain.FailureBrowserEngine}
	case "connect_error":
		return nil, &FailureError{Kind: domain.FailureConnectError}
	case "sign_in_failed":
		return nil, &FailureError{Kind: domain.FailureSignInFailed(domain.SignInFailure(parsed.FailureError))}
	default:
		return nil, &FailureError{Kind: domain.FailureOther(parsed.FailureError)}
	}
}
