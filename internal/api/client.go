// Package api is a client for the sequencer's HTTP endpoints: the document
// catalog and assistant invocation.
package api

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

	"collabtext/internal/sequencer"
	"collabtext/internal/store"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the sequencer at server (host:port or URL).
func New(server string) *Client {
	base := server
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ListDocuments(ctx context.Context, room string) ([]store.Document, error) {
	var list sequencer.DocumentList
	if err := c.do(ctx, http.MethodGet, "/api/documents", room, nil, &list); err != nil {
		return nil, err
	}
	return list.Documents, nil
}

func (c *Client) CreateDocument(ctx context.Context, room, title string) (store.Document, error) {
	var doc store.Document
	err := c.do(ctx, http.MethodPost, "/api/documents", room, sequencer.CreateDocumentRequest{Title: title}, &doc)
	return doc, err
}

// Ask submits an assistant request. The text arrives later as an operation
// on the document.
func (c *Client) Ask(ctx context.Context, req sequencer.AssistRequest) error {
	return c.do(ctx, http.MethodPost, "/api/ai", "", req, nil)
}

func (c *Client) do(ctx context.Context, method, path, room string, in, out any) error {
	u := c.base + path
	if room != "" {
		u += "?" + url.Values{"roomCode": {room}}.Encode()
	}
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
