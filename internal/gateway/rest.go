package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRESTFailure wraps non-2xx responses from the Discord REST API.
var ErrRESTFailure = fmt.Errorf("discord rest request failed")

// RESTClient sends messages through the Discord REST API. All calls pass
// a shared rate limiter so bursts of replies cannot trip the global
// request ceiling.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu         sync.Mutex
	dmChannels map[string]string
}

// NewRESTClient builds a client for the given API base URL, e.g.
// "https://discord.com/api/v10".
func NewRESTClient(baseURL, token string, rps float64, burst int) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		dmChannels: make(map[string]string),
	}
}

// CreateMessage posts content to a channel. When replyToID is set the
// message is threaded as a reply to it.
func (c *RESTClient) CreateMessage(ctx context.Context, channelID, content, replyToID string) error {
	body := map[string]any{"content": content}
	if replyToID != "" {
		body["message_reference"] = map[string]string{"message_id": replyToID}
	}
	return c.post(ctx, fmt.Sprintf("/channels/%s/messages", channelID), body, nil)
}

// TriggerTyping shows the typing indicator in a channel. Failures are
// returned but callers treat them as cosmetic.
func (c *RESTClient) TriggerTyping(ctx context.Context, channelID string) error {
	return c.post(ctx, fmt.Sprintf("/channels/%s/typing", channelID), nil, nil)
}

// SendDM delivers content to a user's direct message channel, opening
// the channel on first use and caching it afterwards.
func (c *RESTClient) SendDM(ctx context.Context, userID, content string) error {
	channelID, err := c.dmChannel(ctx, userID)
	if err != nil {
		return err
	}
	return c.CreateMessage(ctx, channelID, content, "")
}

func (c *RESTClient) dmChannel(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	cached, ok := c.dmChannels[userID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/users/@me/channels", map[string]string{"recipient_id": userID}, &resp); err != nil {
		return "", fmt.Errorf("open dm channel: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("open dm channel: %w: empty channel id", ErrRESTFailure)
	}

	c.mu.Lock()
	c.dmChannels[userID] = resp.ID
	c.mu.Unlock()
	return resp.ID, nil
}

func (c *RESTClient) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrRESTFailure, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
