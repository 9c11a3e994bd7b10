package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次周期的处理摘要。
type Notification struct {
	CycleID   string
	StartedAt time.Time
	Duration  time.Duration
	DryRun    bool
	// Resolved and Finalized hold per-item status lines, e.g. "BNB-7: Fully resolved".
	Resolved  []string
	Finalized []string
	Failures  int
}

// Empty reports whether the cycle changed nothing on chain.
func (n Notification) Empty() bool {
	return len(n.Resolved) == 0 && len(n.Finalized) == 0
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("cycle_id", note.CycleID).
		Int("resolved", len(note.Resolved)).
		Int("finalized", len(note.Finalized)).
		Msg("周期摘要已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Market Resolver]")
	if note.DryRun {
		builder.WriteString(" (dry run)")
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Cycle: %s\n", note.CycleID))
	builder.WriteString(fmt.Sprintf("Started: %s UTC (%s)\n", note.StartedAt.UTC().Format(time.RFC3339), note.Duration.Round(time.Millisecond)))
	if len(note.Resolved) > 0 {
		builder.WriteString(fmt.Sprintf("Markets (%d):\n", len(note.Resolved)))
		for _, line := range note.Resolved {
			builder.WriteString("  " + line + "\n")
		}
	}
	if len(note.Finalized) > 0 {
		builder.WriteString(fmt.Sprintf("Disputes (%d):\n", len(note.Finalized)))
		for _, line := range note.Finalized {
			builder.WriteString("  " + line + "\n")
		}
	}
	if note.Failures > 0 {
		builder.WriteString(fmt.Sprintf("Failures: %d\n", note.Failures))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
