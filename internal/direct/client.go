package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dmbridge/internal/retry"
)

// Config holds credentials for the unofficial direct-messaging channel.
type Config struct {
	BaseURL  string `koanf:"base_url"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

const defaultBaseURL = "https://i.instagram.com/api/v1"

// Client talks to the unofficial direct-messaging API. It must be
// constructed with NewClient and initialized with an explicit Login call;
// nothing happens as a side effect of construction. Sends are throttled to
// one per second and retried with backoff, since this channel drops
// requests routinely.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryCfg   retry.Config
	log        zerolog.Logger

	loggedIn bool
}

// NewClient creates a direct client. It does not authenticate; call Login.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:    base,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Jar: jar},
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		retryCfg:   retry.DirectSendConfig(),
		log:        log.With().Str("component", "direct").Logger(),
	}
}

// Login authenticates the session. Returns an error when credentials are
// missing or rejected; the caller decides whether that is fatal.
func (c *Client) Login(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return fmt.Errorf("direct client credentials are not configured")
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.postForm(ctx, "/accounts/login/", form, &resp); err != nil {
		return fmt.Errorf("failed to login to direct messaging: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("direct messaging login rejected: status %q", resp.Status)
	}

	c.loggedIn = true
	c.log.Info().Str("username", c.username).Msg("direct messaging logged in")
	return nil
}

// LoggedIn reports whether Login has succeeded.
func (c *Client) LoggedIn() bool {
	return c.loggedIn
}

// Username returns the operating account's username.
func (c *Client) Username() string {
	return c.username
}

// ResolveUserID looks up the numeric user id for a username.
func (c *Client) ResolveUserID(ctx context.Context, username string) (string, error) {
	requestURL := fmt.Sprintf("%s/users/%s/usernameinfo/", c.baseURL, url.PathEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", username, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return "", fmt.Errorf("user lookup failed with status %d: %s", httpResp.StatusCode, string(body))
	}

	var resp struct {
		User struct {
			PK json.Number `json:"pk"`
		} `json:"user"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode user lookup response: %w", err)
	}
	if resp.User.PK.String() == "" {
		return "", fmt.Errorf("user id not found for username: %s", username)
	}
	return resp.User.PK.String(), nil
}

// SendText broadcasts a text message into a direct thread with the user.
func (c *Client) SendText(ctx context.Context, userID, text string) error {
	if !c.loggedIn {
		return fmt.Errorf("direct client is not logged in")
	}

	form := url.Values{}
	form.Set("recipient_users", fmt.Sprintf("[[%s]]", userID))
	form.Set("text", text)

	var resp struct {
		Status string `json:"status"`
	}
	if err := c.postForm(ctx, "/direct_v2/threads/broadcast/text/", form, &resp); err != nil {
		return fmt.Errorf("failed to broadcast text: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("broadcast rejected: status %q", resp.Status)
	}
	return nil
}

// SendTemplate resolves a username and sends a templated text message to
// them, respecting the send throttle.
func (c *Client) SendTemplate(ctx context.Context, username, text string) error {
	if !c.loggedIn {
		return fmt.Errorf("direct client is not logged in")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	userID, err := c.ResolveUserID(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to send template message to %s: %w", username, err)
	}

	result := retry.WithBackoff(ctx, c.retryCfg, c.log, func() error {
		return c.SendText(ctx, userID, text)
	})
	if !result.Success {
		return fmt.Errorf("failed to send template message to %s: %w", username, result.LastError)
	}

	c.log.Info().Str("username", username).Str("user_id", userID).Msg("template message sent")
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
