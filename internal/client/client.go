// internal/client/client.go
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"authorinventory/internal/auth"
	"authorinventory/internal/inventory"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// APIError is a non-2xx response from the inventory API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inventory api: %d %s", e.Status, e.Message)
}

// Is lets callers match API errors against the engine's error classes.
func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusBadRequest:
		return target == inventory.ErrValidation
	case http.StatusNotFound:
		return target == inventory.ErrNotFound
	case http.StatusUnauthorized:
		return target == auth.ErrUnauthorized
	}
	return false
}

// client errors say nothing about the health of the API
func isSuccessful(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusTooManyRequests
	}
	return err == nil
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithDevUser sends the owner in the development header.
func WithDevUser(user string) Option { return func(c *Client) { c.devUser = user } }

// WithToken sends a bearer token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithLogger(logger *zap.Logger) Option { return func(c *Client) { c.logger = logger } }

// WithBreaker overrides the circuit breaker settings.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(c *Client) { c.settings = settings }
}

// Client calls the inventory API through a circuit breaker.
type Client struct {
	baseURL  string
	http     *http.Client
	devUser  string
	token    string
	logger   *zap.Logger
	settings gobreaker.Settings
	breaker  *gobreaker.CircuitBreaker
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		settings: gobreaker.Settings{
			Name:        "inventory-api",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.settings.IsSuccessful = isSuccessful
	onChange := c.settings.OnStateChange
	c.settings.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Warn("circuit breaker state changed",
			zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		if onChange != nil {
			onChange(name, from, to)
		}
	}
	c.breaker = gobreaker.NewCircuitBreaker(c.settings)
	return c
}

// State reports the circuit breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.devUser != "" {
		req.Header.Set(auth.DevUserHeader, c.devUser)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func bookPath(id string) string { return "/books/" + url.PathEscape(id) }

func eventPath(id string) string { return "/events/" + url.PathEscape(id) }

// Health checks that the API is reachable. It bypasses the circuit breaker.
func (c *Client) Health(ctx context.Context) error {
	return c.roundTrip(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) ListBooks(ctx context.Context) ([]*inventory.Book, error) {
	var books []*inventory.Book
	if err := c.do(ctx, http.MethodGet, "/books", nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) GetBook(ctx context.Context, id string) (*inventory.Book, error) {
	var book inventory.Book
	if err := c.do(ctx, http.MethodGet, bookPath(id), nil, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) CreateBook(ctx context.Context, in inventory.CreateBookInput) (*inventory.Book, error) {
	var book inventory.Book
	if err := c.do(ctx, http.MethodPost, "/books", in, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) UpdateBook(ctx context.Context, id string, in inventory.BookUpdate) (*inventory.Book, error) {
	var book inventory.Book
	if err := c.do(ctx, http.MethodPut, bookPath(id), in, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) DeleteBook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, bookPath(id), nil, nil)
}

func (c *Client) AddTier(ctx context.Context, bookID string, in inventory.TierInput) (*inventory.Book, error) {
	var book inventory.Book
	if err := c.do(ctx, http.MethodPost, bookPath(bookID)+"/tiers", in, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) AdjustTier(ctx context.Context, bookID string, in inventory.Adjustment) (*inventory.Book, error) {
	var book inventory.Book
	if err := c.do(ctx, http.MethodPost, bookPath(bookID)+"/adjust-stock", in, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

func (c *Client) ListEvents(ctx context.Context) ([]*inventory.SaleEvent, error) {
	var events []*inventory.SaleEvent
	if err := c.do(ctx, http.MethodGet, "/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) GetEvent(ctx context.Context, id string) (*inventory.SaleEvent, error) {
	var event inventory.SaleEvent
	if err := c.do(ctx, http.MethodGet, eventPath(id), nil, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (c *Client) CreateEvent(ctx context.Context, in inventory.EventInput) (*inventory.SaleEvent, error) {
	var event inventory.SaleEvent
	if err := c.do(ctx, http.MethodPost, "/events", in, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func (c *Client) ApplyEvent(ctx context.Context, id string) (*inventory.ApplyResult, error) {
	var result inventory.ApplyResult
	if err := c.do(ctx, http.MethodPost, eventPath(id)+"/apply", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
