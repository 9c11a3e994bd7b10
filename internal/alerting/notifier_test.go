package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sampleNotification() Notification {
	return Notification{
		CycleID:   "c-1",
		StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Resolved:  []string{"BNB-7: Fully resolved"},
		Finalized: []string{"PDX-2: Finalized ACCEPTED (accept 1.5, reject 0.2)"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "bottoken") {
			t.Fatalf("路径应包含 bot token, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	for _, want := range []string{"Cycle: c-1", "BNB-7: Fully resolved", "Disputes (1)"} {
		if !strings.Contains(received["text"], want) {
			t.Fatalf("消息缺少 %q: %s", want, received["text"])
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("非 2xx 应报错")
	}
}

func TestRenderMessageDryRun(t *testing.T) {
	note := Notification{CycleID: "c-2", DryRun: true, Failures: 2}
	msg := renderMessage(note)
	if !strings.Contains(msg, "(dry run)") || !strings.Contains(msg, "Failures: 2") {
		t.Fatalf("消息格式不正确: %s", msg)
	}
	if strings.Contains(msg, "Markets") {
		t.Fatalf("无市场时不应输出 Markets: %s", msg)
	}
	if (Notification{}).Empty() != true {
		t.Fatal("空摘要应为 Empty")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
