package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"stagehand/internal/config"
)

const userAgent = "Stagehand-Go/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyRunStarted(ctx context.Context, datasets int) error
	NotifyRunCompleted(ctx context.Context, archived, failed int, duration time.Duration) error
	NotifyStageLaunched(ctx context.Context, stage string) error
	NotifyDatasetNormalized(ctx context.Context, title string, series int) error
	NotifyDatasetFailed(ctx context.Context, title, reason string) error
	NotifyUnitArchived(ctx context.Context, unit, durableID string) error
	NotifyDenoisePrepared(ctx context.Context, title string, prepared, skipped int) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		section:  cfg.Notifications,
		dedup:    newDeduper(time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second),
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	section  config.Notifications
	dedup    *deduper
}

func (n *ntfyService) NotifyRunStarted(ctx context.Context, datasets int) error {
	if !n.section.Runs {
		return nil
	}
	data := payload{
		title:   "Stagehand - Run Started",
		message: fmt.Sprintf("Started pipeline run over %d datasets", datasets),
		tags:    []string{"stagehand", "run", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, archived, failed int, duration time.Duration) error {
	if !n.section.Runs {
		return nil
	}
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}

	var title, message string
	if failed == 0 {
		title = "Stagehand - Run Complete"
		message = fmt.Sprintf("Run complete: %d units archived in %s", archived, duration)
	} else {
		title = "Stagehand - Run Complete (with errors)"
		message = fmt.Sprintf("Run complete: %d archived, %d failed in %s", archived, failed, duration)
	}

	data := payload{
		title:    title,
		message:  message,
		tags:     []string{"stagehand", "run", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyStageLaunched(ctx context.Context, stage string) error {
	if !n.section.Stages {
		return nil
	}
	data := payload{
		title:   "Stagehand - Stage Launched",
		message: fmt.Sprintf("Stage launched: %s", strings.TrimSpace(stage)),
		tags:    []string{"stagehand", "stage", "launched"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDatasetNormalized(ctx context.Context, title string, series int) error {
	if !n.section.Datasets {
		return nil
	}
	data := payload{
		title:   "Stagehand - Dataset Normalized",
		message: fmt.Sprintf("Normalized: %s (%d tilt series)", strings.TrimSpace(title), series),
		tags:    []string{"stagehand", "dataset", "normalized"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDatasetFailed(ctx context.Context, title, reason string) error {
	if !n.section.Datasets {
		return nil
	}
	title = strings.TrimSpace(title)
	message := fmt.Sprintf("Dataset failed: %s", title)
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("%s\n%s", message, reason)
	}
	data := payload{
		title:    "Stagehand - Dataset Failed",
		message:  message,
		tags:     []string{"stagehand", "dataset", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyUnitArchived(ctx context.Context, unit, durableID string) error {
	if !n.section.Datasets {
		return nil
	}
	data := payload{
		title:   "Stagehand - Unit Archived",
		message: fmt.Sprintf("Archived: %s under %s", strings.TrimSpace(unit), strings.TrimSpace(durableID)),
		tags:    []string{"stagehand", "transfer", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyDenoisePrepared(ctx context.Context, title string, prepared, skipped int) error {
	if !n.section.Stages {
		return nil
	}
	data := payload{
		title:   "Stagehand - Denoising Prepared",
		message: fmt.Sprintf("Denoising prep for %s: %d prepared, %d skipped", strings.TrimSpace(title), prepared, skipped),
		tags:    []string{"stagehand", "denoise", "prepared"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.section.Errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" in ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	message := builder.String()
	if n.dedup.seen(message) {
		return nil
	}
	data := payload{
		title:    "Stagehand - Error",
		message:  message,
		tags:     []string{"stagehand", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Stagehand - Test",
		message:  "Notification system test",
		tags:     []string{"stagehand", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// deduper suppresses identical error messages inside a time window so a
// failing watcher loop cannot flood the topic.
type deduper struct {
	window time.Duration
	mu     sync.Mutex
	sent   map[string]time.Time
	now    func() time.Time
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{
		window: window,
		sent:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *deduper) seen(message string) bool {
	if d == nil || d.window <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.sent[message]; ok && now.Sub(last) < d.window {
		return true
	}
	for key, last := range d.sent {
		if now.Sub(last) >= d.window {
			delete(d.sent, key)
		}
	}
	d.sent[message] = now
	return false
}

type noopService struct{}

func (noopService) NotifyRunStarted(context.Context, int) error                         { return nil }
func (noopService) NotifyRunCompleted(context.Context, int, int, time.Duration) error   { return nil }
func (noopService) NotifyStageLaunched(context.Context, string) error                   { return nil }
func (noopService) NotifyDatasetNormalized(context.Context, string, int) error          { return nil }
func (noopService) NotifyDatasetFailed(context.Context, string, string) error           { return nil }
func (noopService) NotifyUnitArchived(context.Context, string, string) error            { return nil }
func (noopService) NotifyDenoisePrepared(context.Context, string, int, int) error       { return nil }
func (noopService) NotifyError(context.Context, error, string) error                    { return nil }
func (noopService) TestNotification(context.Context) error                              { return nil }
