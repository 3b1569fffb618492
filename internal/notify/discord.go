package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	discordDescLimit  = 4096
	discordTitleLimit = 256
	discordMaxBackoff = 5 * time.Second
)

// Embed colours, first matching keyword in the lowercased title wins.
var discordColours = []struct {
	word   string
	colour int
}{
	{"exposure", 0xE74C3C},
	{"failed", 0xE74C3C},
	{"lost", 0xE67E22},
	{"disabled", 0xE67E22},
	{"blocked", 0xF1C40F},
	{"enabled", 0x2ECC71},
}

const discordDefaultColour = 0x3498DB

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender delivers alerts as webhook embeds.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "spotarb",
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func discordColour(title string) int {
	lower := strings.ToLower(title)
	for _, c := range discordColours {
		if strings.Contains(lower, c.word) {
			return c.colour
		}
	}
	return discordDefaultColour
}

// Send posts one embed. A 429 is retried once after the advertised
// Retry-After, capped at five seconds.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	body, err := json.Marshal(discordPayload{
		Username: d.username,
		Embeds: []discordEmbed{{
			Title:       truncate([]byte(title), discordTitleLimit-3),
			Description: "```\n" + truncate([]byte(message), discordDescLimit-11) + "\n```",
			Color:       discordColour(title),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	wait, err := d.post(ctx, body)
	if err == nil || wait == 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	_, err = d.post(ctx, body)
	return err
}

// post returns a positive wait only for a rate-limited response.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0, err
	}
	wait := time.Second
	if secs, perr := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); perr == nil && secs > 0 {
		wait = time.Duration(secs * float64(time.Second))
	}
	return min(wait, discordMaxBackoff), err
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
