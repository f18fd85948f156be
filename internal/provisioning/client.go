// Package provisioning is a thin client for the SMS number provider.
//
// Endpoints (all take the API key as the "key" query parameter):
//   - GET  /request/balance            {"balance": "1.23"}
//   - GET  /request/price              {"price": "0.50"}
//   - POST /purchase/sms               {"order_id": "...", "number": 1555...} or {"message": "..."}
//   - GET  /sms/check?orderid=...      {"status": 1|3|..., "sms": "123456"}
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	logx "smsbot/pkg/logx"
)

const DefaultBaseURL = "https://www.smspool.net/api"

// Status codes reported by /sms/check.
const (
	StatusPending   = 1
	StatusFulfilled = 3
	// StatusUnknown stands for an answer without a usable status; it is terminal.
	StatusUnknown = 0
)

type Config struct {
	BaseURL    string
	APIKey     string
	RatePerSec int
	Timeout    time.Duration
}

// RejectedError is a business rejection: the provider answered a purchase with
// a message instead of a number. The message is meant for the end user.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return "purchase rejected: " + e.Message }

// Purchase is a successfully bought number.
type Purchase struct {
	OrderID string
	Number  string
}

// Status is the provider's view of one order.
type Status struct {
	Code int
	SMS  string
}

type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
	lim  *rate.Limiter
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("provider base url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider api key is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := max(1, cfg.RatePerSec)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: timeout},
		lim:  rate.NewLimiter(rate.Limit(rps), rps),
		log:  log,
	}, nil
}

// Balance returns the account balance. A missing or empty figure reads as zero.
func (c *Client) Balance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance flexString `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/request/balance", nil, &out); err != nil {
		return decimal.Zero, err
	}
	return parseAmount("balance", out.Balance)
}

// Price returns the price of one number. A missing or empty figure reads as zero.
func (c *Client) Price(ctx context.Context, country, service string) (decimal.Decimal, error) {
	var out struct {
		Price flexString `json:"price"`
	}
	q := url.Values{"country": {country}, "service": {service}}
	if err := c.do(ctx, http.MethodGet, "/request/price", q, &out); err != nil {
		return decimal.Zero, err
	}
	return parseAmount("price", out.Price)
}

func parseAmount(field string, raw flexString) (decimal.Decimal, error) {
	v := strings.TrimSpace(string(raw))
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q: %w", field, v, err)
	}
	return d, nil
}

// Purchase buys one number. A provider-side refusal is returned as *RejectedError.
func (c *Client) Purchase(ctx context.Context, country, service string) (Purchase, error) {
	var out struct {
		Message flexString `json:"message"`
		OrderID flexString `json:"order_id"`
		Number  flexString `json:"number"`
	}
	q := url.Values{"country": {country}, "service": {service}}
	if err := c.do(ctx, http.MethodPost, "/purchase/sms", q, &out); err != nil {
		return Purchase{}, err
	}
	if msg := strings.TrimSpace(string(out.Message)); msg != "" {
		return Purchase{}, &RejectedError{Message: msg}
	}
	if out.Number == "" || out.OrderID == "" {
		return Purchase{}, &RejectedError{Message: "No number available, please try again later."}
	}
	return Purchase{OrderID: string(out.OrderID), Number: string(out.Number)}, nil
}

// Check reports an order's status. Transport and decode failures are errors;
// a decoded answer without a status is StatusUnknown.
func (c *Client) Check(ctx context.Context, orderID string) (Status, error) {
	var out struct {
		Status flexString `json:"status"`
		SMS    flexString `json:"sms"`
	}
	q := url.Values{"orderid": {orderID}}
	if err := c.do(ctx, http.MethodGet, "/sms/check", q, &out); err != nil {
		return Status{}, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out.Status)))
	if err != nil {
		// The provider answers unknown or purged orders without a status.
		c.log.Debug("check without usable status", logx.String("order", orderID), logx.String("status", string(out.Status)))
		return Status{Code: StatusUnknown}, nil
	}
	return Status{Code: code, SMS: string(out.SMS)}, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	if err := c.lim.Wait(ctx); err != nil {
		return err
	}
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if q == nil {
		q = url.Values{}
	}
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.log.Debug("provider call", logx.String("method", method), logx.String("path", path),
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	// The provider reports purchase refusals with non-2xx codes and a JSON message.
	if resp.StatusCode/100 != 2 {
		var e struct {
			Message flexString `json:"message"`
		}
		if json.Unmarshal(body, &e) == nil && e.Message != "" && path == "/purchase/sms" {
			return &RejectedError{Message: string(e.Message)}
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
