// Package agent is the client for the downstream agent task service.
//
// A task is created, then polled until it reaches a final state. Every call
// goes through the "agent" circuit breaker and a client-side rate limiter.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"wegent/internal/breaker"
	logx "wegent/pkg/logx"
)

// BreakerName is the breaker guarding agent calls.
const BreakerName = "agent"

type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

// Final reports whether the task will not change any more.
func (s TaskState) Final() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the request to run a prompt against a team.
type Task struct {
	ExecutionID    int64  `json:"execution_id"`
	SubscriptionID int64  `json:"subscription_id"`
	UserID         int64  `json:"user_id"`
	TeamRef        string `json:"team_ref"`
	Prompt         string `json:"prompt"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// TaskStatus is the agent task as last observed.
type TaskStatus struct {
	ID      int64     `json:"task_id"`
	State   TaskState `json:"status"`
	Summary string    `json:"result_summary,omitempty"`
	// Silent marks a completed run with nothing worth notifying about.
	Silent bool   `json:"silent,omitempty"`
	Error  string `json:"error_message,omitempty"`
}

// Runner is what the execution worker needs from the agent service.
type Runner interface {
	Create(ctx context.Context, t Task) (int64, error)
	Get(ctx context.Context, taskID int64) (TaskStatus, error)
	Cancel(ctx context.Context, taskID int64) error
}

// StatusError is a non-2xx answer from the agent service.
type StatusError struct {
	Op         string
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("agent %s: status %d", e.Op, e.Code)
	if b := strings.TrimSpace(e.Body); b != "" {
		if len(b) > 200 {
			b = b[:200]
		}
		msg += ": " + b
	}
	return msg
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// IsClientError reports a request the agent refused for reasons a retry
// will not fix. These do not count against the breaker.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && !se.Temporary()
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSecond limits outgoing requests; <= 0 disables limiting.
	RatePerSecond float64
	Burst         int
	Client        *resty.Client
	Log           logx.Logger
}

// Client talks to the agent service over HTTP.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	cb      *breaker.Breaker
	log     logx.Logger
}

func New(opt Options, breakers *breaker.Registry) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	client := opt.Client
	if client == nil {
		client = resty.New()
	}
	client.
		SetBaseURL(strings.TrimRight(opt.BaseURL, "/")).
		SetTimeout(opt.Timeout).
		SetHeader("Content-Type", "application/json")
	if opt.Token != "" {
		client.SetAuthToken(opt.Token)
	}

	var limiter *rate.Limiter
	if opt.RatePerSecond > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opt.RatePerSecond), burst)
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http:    client,
		limiter: limiter,
		cb:      breakers.Get(BreakerName, breaker.WithExclude(excluded)),
		log:     log.Component("agent"),
	}
}

func excluded(err error) bool {
	return IsClientError(err) || errors.Is(err, context.Canceled)
}

// Breaker exposes the breaker guarding this client.
func (c *Client) Breaker() *breaker.Breaker { return c.cb }

func (c *Client) Create(ctx context.Context, t Task) (int64, error) {
	st, err := c.do(ctx, "create", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(t).Post("/api/tasks")
	})
	if err != nil {
		return 0, err
	}
	if st.ID == 0 {
		return 0, errors.New("agent create: response without task_id")
	}
	c.log.Debug("agent task created", logx.Int64("task_id", st.ID), logx.Int64("execution_id", t.ExecutionID))
	return st.ID, nil
}

func (c *Client) Get(ctx context.Context, taskID int64) (TaskStatus, error) {
	return c.do(ctx, "get", func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/api/tasks/" + strconv.FormatInt(taskID, 10))
	})
}

func (c *Client) Cancel(ctx context.Context, taskID int64) error {
	_, err := c.do(ctx, "cancel", func(r *resty.Request) (*resty.Response, error) {
		return r.Post("/api/tasks/" + strconv.FormatInt(taskID, 10) + "/cancel")
	})
	return err
}

func (c *Client) do(ctx context.Context, op string, send func(r *resty.Request) (*resty.Response, error)) (TaskStatus, error) {
	// Waiting on the limiter is local and must not count against the breaker.
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return TaskStatus{}, fmt.Errorf("agent %s: %w", op, err)
		}
	}
	return breaker.Do(ctx, c.cb, func(ctx context.Context) (TaskStatus, error) {
		var out TaskStatus
		resp, err := send(c.http.R().SetContext(ctx).SetResult(&out))
		if err != nil {
			return TaskStatus{}, fmt.Errorf("agent %s: %w", op, err)
		}
		if resp.IsError() {
			return TaskStatus{}, &StatusError{
				Op:         op,
				Code:       resp.StatusCode(),
				Body:       resp.String(),
				RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			}
		}
		return out, nil
	})
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
