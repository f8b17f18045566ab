package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultBaseURL = "https://graph.facebook.com/v20.0"

// Client is a minimal HTTP client for the Graph messaging API. It performs
// single requests with no retries and no pagination; callers treat any
// failure as fatal to the current operation.
type Client struct {
	baseURL    string
	pageID     string
	httpClient *http.Client
}

// NewClient creates a Graph client for the given page. An empty baseURL
// selects the production Graph endpoint.
func NewClient(baseURL, pageID string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		pageID:     pageID,
		httpClient: httpClient,
	}
}

// ConversationRef is one element of the conversation list response.
type ConversationRef struct {
	ID string `json:"id"`
}

// ConversationMessageIDs holds a conversation id and the ids of the
// messages that belong to it.
type ConversationMessageIDs struct {
	ID       string `json:"id"`
	Messages struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"messages"`
}

// MessageDetail is the full message body returned for a single message id.
// To may contain several recipients; only the first is used downstream.
type MessageDetail struct {
	ID          string `json:"id"`
	CreatedTime string `json:"created_time"`
	From        struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	To struct {
		Data []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	} `json:"to"`
	Message string `json:"message"`
}

// PageAccessToken exchanges a system-user token for the page's access token.
func (c *Client) PageAccessToken(ctx context.Context, systemUserToken string) (string, error) {
	params := url.Values{}
	params.Set("fields", "access_token")
	params.Set("access_token", systemUserToken)

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.get(ctx, "/"+c.pageID, params, &resp); err != nil {
		return "", fmt.Errorf("failed to fetch page access token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("page access token missing from response")
	}
	return resp.AccessToken, nil
}

// Conversations lists the page's conversations on the Instagram platform,
// in the order the API returns them.
func (c *Client) Conversations(ctx context.Context, accessToken string) ([]ConversationRef, error) {
	params := url.Values{}
	params.Set("platform", "instagram")
	params.Set("access_token", accessToken)

	var resp struct {
		Data []ConversationRef `json:"data"`
	}
	if err := c.get(ctx, "/"+c.pageID+"/conversations", params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	return resp.Data, nil
}

// ConversationMessages fetches the message-id list for one conversation.
func (c *Client) ConversationMessages(ctx context.Context, accessToken, conversationID string) (*ConversationMessageIDs, error) {
	params := url.Values{}
	params.Set("fields", "messages")
	params.Set("access_token", accessToken)

	var resp ConversationMessageIDs
	if err := c.get(ctx, "/"+conversationID, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch messages for conversation %s: %w", conversationID, err)
	}
	return &resp, nil
}

// Message fetches the full detail for one message id.
func (c *Client) Message(ctx context.Context, accessToken, messageID string) (*MessageDetail, error) {
	params := url.Values{}
	params.Set("fields", "id,created_time,from,to,message")
	params.Set("access_token", accessToken)

	var resp MessageDetail
	if err := c.get(ctx, "/"+messageID, params, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch message %s: %w", messageID, err)
	}
	return &resp, nil
}

// SendMessage sends a text reply to a recipient through the official
// messaging endpoint.
func (c *Client) SendMessage(ctx context.Context, accessToken, recipientID, text string) error {
	payload := map[string]any{
		"recipient":    map[string]string{"id": recipientID},
		"message":      map[string]string{"text": text},
		"access_token": accessToken,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode send payload: %w", err)
	}

	requestURL := c.baseURL + "/me/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("failed to send message: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	requestURL := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
