package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Ntfy publishes to an ntfy server, one topic per category.
type Ntfy struct {
	server string
	token  string
	topics map[Category]string
	client *http.Client
}

func NewNtfy(server, token string, topics map[Category]string) *Ntfy {
	return &Ntfy{
		server: strings.TrimRight(server, "/"),
		token:  token,
		topics: topics,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Send(ctx context.Context, msg Message) error {
	topic := n.topics[msg.Category]
	if topic == "" {
		topic = n.topics[General]
	}
	if topic == "" {
		return nil
	}

	if msg.Attachment != "" {
		return n.sendAttachment(ctx, topic, msg)
	}

	payload := map[string]interface{}{
		"topic":   topic,
		"message": msg.Text,
	}
	if msg.Title != "" {
		payload["title"] = msg.Title
	}
	if msg.Category == Emergency {
		payload["priority"] = 5
		payload["tags"] = []string{"rotating_light"}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.server, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req)
}

// sendAttachment uploads the file as the request body; the caption travels in
// headers.
func (n *Ntfy) sendAttachment(ctx context.Context, topic string, msg Message) error {
	file, err := os.Open(msg.Attachment)
	if err != nil {
		return fmt.Errorf("failed to open attachment: %w", err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.server+"/"+topic, file)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if info, err := file.Stat(); err == nil {
		req.ContentLength = info.Size()
	}
	req.Header.Set("Filename", filepath.Base(msg.Attachment))
	if msg.Text != "" {
		req.Header.Set("Message", msg.Text)
	}
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	return n.do(req)
}

func (n *Ntfy) do(req *http.Request) error {
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}
	return nil
}
