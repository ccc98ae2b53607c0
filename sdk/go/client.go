// Package mostradorsdk is a small client for the Mostrador HTTP API.
// The customer surface needs no credentials; staff calls take either an
// API key or a bearer token.
package mostradorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Mostrador server.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  60 * time.Second,
	}
}

// CartItem is one line of the running order.
type CartItem struct {
	Name     string `json:"name"`
	Qty      string `json:"qty"`
	Subtotal string `json:"subtotal"`
}

// Session is the conversation state as the API reports it.
type Session struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Cart        []CartItem `json:"cart"`
	OrderNumber *string    `json:"order_number,omitempty"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
}

// Turn is one exchange in a transcript.
type Turn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Message is the assistant's answer to one utterance.
type Message struct {
	Reply             string             `json:"reply"`
	State             string             `json:"state"`
	Cart              []CartItem         `json:"cart"`
	SuggestedProducts []SuggestedProduct `json:"suggested_products"`
	OrderNumber       *string            `json:"order_number,omitempty"`
	Total             *string            `json:"total,omitempty"`
	PickupCode        *string            `json:"pickup_code,omitempty"`
	Text              string             `json:"text,omitempty"`
	Intent            string             `json:"intent,omitempty"`
	ExtractedItems    []ExtractedItem    `json:"extracted_items,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
}

// SuggestedProduct is a catalog item the assistant offered during a turn.
type SuggestedProduct struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Unit  string `json:"unit"`
}

// ExtractedItem is an item heard in a voice turn. A nil ProductID
// means the shop does not carry it.
type ExtractedItem struct {
	ProductID *string `json:"product_id"`
	Name      string  `json:"name"`
	Qty       string  `json:"qty,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

// Order is the customer view of a committed order.
type Order struct {
	Number           string     `json:"number"`
	Status           string     `json:"status"`
	Total            string     `json:"total"`
	Cart             []CartItem `json:"cart"`
	CustomerName     *string    `json:"customer_name,omitempty"`
	Notes            *string    `json:"notes,omitempty"`
	EstimatedMinutes *int       `json:"estimated_minutes,omitempty"`
	CreatedAt        string     `json:"created_at"`
	UpdatedAt        string     `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsBusy reports whether the server rejected the turn because all
// conversation slots were taken. Clients should retry after a pause.
func (e *APIError) IsBusy() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// StartSession opens a new conversation.
func (c *Client) StartSession(ctx context.Context, customerName, customerPhone string) (Session, error) {
	body := map[string]any{}
	if customerName != "" {
		body["customer_name"] = customerName
	}
	if customerPhone != "" {
		body["customer_phone"] = customerPhone
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.apiPath("sessions"), body, "", &resp)
	return resp, err
}

// GetSession fetches the current state of a conversation.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.apiPath("sessions/"+url.PathEscape(id)), nil, "", &resp)
	return resp, err
}

// Turns returns the full transcript of a conversation.
func (c *Client) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	var resp []Turn
	err := c.do(ctx, http.MethodGet, c.apiPath("sessions/"+url.PathEscape(sessionID)+"/turns"), nil, "", &resp)
	return resp, err
}

// SendMessage sends a text utterance and returns the assistant's reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (Message, error) {
	var resp Message
	endpoint := c.apiPath("sessions/" + url.PathEscape(sessionID) + "/messages")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"text": text}, "", &resp)
	return resp, err
}

// SendAudio sends a recorded utterance. mimeType must be one of the
// formats the server accepts (audio/webm, audio/ogg, audio/mpeg, ...).
func (c *Client) SendAudio(ctx context.Context, sessionID string, audio []byte, mimeType string) (Message, error) {
	var resp Message
	endpoint := c.apiPath("sessions/" + url.PathEscape(sessionID) + "/audio")
	err := c.doRaw(ctx, http.MethodPost, endpoint, audio, mimeType, &resp)
	return resp, err
}

// GetOrder looks up an order by its number.
func (c *Client) GetOrder(ctx context.Context, number string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, c.apiPath("orders/"+url.PathEscape(number)), nil, "", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, contentType string, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	if contentType == "" {
		contentType = "application/json"
	}
	return c.send(ctx, method, endpoint, &buf, contentType, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, contentType string, out any) error {
	return c.send(ctx, method, endpoint, bytes.NewReader(body), contentType, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "api/v1"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
