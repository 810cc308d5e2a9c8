package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// ErrWebhookDelivery is returned when the callback endpoint could not be
// reached or answered with a non-2xx status.
var ErrWebhookDelivery = errors.New("webhook delivery failed")

// DefaultWebhookTimeout bounds a single callback POST.
const DefaultWebhookTimeout = 10 * time.Second

// CallbackMarker records that a batch's callback was delivered.
type CallbackMarker interface {
	MarkCallbackSent(ctx context.Context, batchID string) (bool, error)
}

// WebhookPayload is the JSON body POSTed to a batch's callback_url.
type WebhookPayload struct {
	BatchID       string     `json:"batch_id"`
	Status        string     `json:"status"`
	TotalJobs     int        `json:"total_jobs"`
	CompletedJobs int        `json:"completed_jobs"`
	FailedJobs    int        `json:"failed_jobs"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// Notifier delivers batch completion callbacks. Delivery is attempted once.
type Notifier struct {
	client *http.Client
	marker CallbackMarker
	logger *slog.Logger
}

func NewNotifier(marker CallbackMarker, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		marker: marker,
		logger: logger.With("component", "webhook"),
	}
}

// Notify POSTs the batch summary to its callback_url and, on a 2xx answer,
// flips callback_sent. It reports whether this call set the flag.
func (n *Notifier) Notify(ctx context.Context, b *models.BatchStatus) (bool, error) {
	if b.CallbackURL == nil || *b.CallbackURL == "" || b.CallbackSent || !b.IsTerminal() {
		return false, nil
	}

	body, err := json.Marshal(WebhookPayload{
		BatchID:       b.BatchID,
		Status:        b.Status,
		TotalJobs:     b.TotalJobs,
		CompletedJobs: b.CompletedJobs,
		FailedJobs:    b.FailedJobs,
		CompletedAt:   b.CompletedAt,
	})
	if err != nil {
		return false, fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *b.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrWebhookDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrWebhookDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("%w: status %d", ErrWebhookDelivery, resp.StatusCode)
	}

	sent, err := n.marker.MarkCallbackSent(ctx, b.BatchID)
	if err != nil {
		return false, fmt.Errorf("mark callback sent: %w", err)
	}
	n.logger.Info("webhook delivered", "batch_id", b.BatchID, "status", b.Status)
	return sent, nil
}
