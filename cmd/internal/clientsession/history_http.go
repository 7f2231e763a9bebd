package clientsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPHistory is a History over the REST API.
type HTTPHistory struct {
	base   string
	client *http.Client
	header http.Header
}

// HTTPOption configures an HTTPHistory.
type HTTPOption func(*HTTPHistory)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPHistory) {
		if c != nil {
			h.client = c
		}
	}
}

// WithBearerToken authenticates every request with token.
func WithBearerToken(token string) HTTPOption {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPHistory) { h.header.Add(key, value) }
}

// NewHTTPHistory returns a History rooted at baseURL (e.g. "http://host:8080").
func NewHTTPHistory(baseURL string, opts ...HTTPOption) *HTTPHistory {
	h := &HTTPHistory{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 15 * time.Second},
		header: make(http.Header),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type pageBody struct {
	Messages json.RawMessage `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchBefore reads GET /api/chats/{id}/messages.
func (h *HTTPHistory) FetchBefore(ctx context.Context, chatID string, before time.Time, beforeID string, limit int) (Page, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if beforeID != "" {
		q.Set("beforeId", beforeID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := h.base + "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body pageBody
	if err := h.do(ctx, http.MethodGet, u, http.StatusOK, &body); err != nil {
		return Page{}, err
	}
	var page Page
	if len(body.Messages) > 0 {
		if err := json.Unmarshal(body.Messages, &page.Messages); err != nil {
			return Page{}, fmt.Errorf("decode page: %w", err)
		}
	}
	page.HasMore = body.HasMore
	return page, nil
}

// DeleteMessage calls DELETE /api/messages/{id}.
func (h *HTTPHistory) DeleteMessage(ctx context.Context, messageID string) error {
	return h.do(ctx, http.MethodDelete, h.base+"/api/messages/"+url.PathEscape(messageID), http.StatusNoContent, nil)
}

func (h *HTTPHistory) do(ctx context.Context, method, u string, want int, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	for k, vs := range h.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != want {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&eb)
		if eb.Error.Code == "" {
			eb.Error.Code = strconv.Itoa(res.StatusCode)
			eb.Error.Message = http.StatusText(res.StatusCode)
		}
		return &RemoteError{Code: eb.Error.Code, Message: eb.Error.Message}
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(dst)
}
