// Package notify posts job completion reports to a webhook.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"EggDetServer/controller"
)

// TimeOutSeconds bounds one webhook delivery.
const TimeOutSeconds = 5

// Report is the webhook body.
type Report struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Model     string `json:"model,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Images    int    `json:"images"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Timestamp int64  `json:"timestamp"`
}

// Ack is the optional JSON answer of the webhook.
type Ack struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// Webhook implements controller.Notifier over HTTP.
type Webhook struct {
	url    string
	client *resty.Client
	log    *zap.Logger
}

// NewWebhook posts reports to url.
func NewWebhook(url string, log *zap.Logger) *Webhook {
	if log == nil {
		log = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:    log,
	}
}

// ReportOf converts a terminal controller event.
func ReportOf(ev controller.Event) Report {
	return Report{
		ID:        ev.Job,
		Stage:     string(ev.Stage),
		Model:     ev.Model,
		Success:   ev.Kind == controller.EventResult,
		Error:     ev.Error,
		Images:    ev.Images,
		Processed: ev.Count,
		Total:     ev.Total,
		Timestamp: ev.Time.Unix(),
	}
}

// Notify delivers ev once. Non-terminal events are ignored.
func (w *Webhook) Notify(ctx context.Context, ev controller.Event) (err error) {
	if !ev.Terminal() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("webhook panic: %v", r)
		}
	}()

	var ack Ack
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ReportOf(ev)).
		SetResult(&ack).
		Post(w.url)
	if err != nil {
		return errors.Wrap(err, "webhook request")
	}
	if resp.IsError() {
		return errors.Errorf("webhook returned %s: %s", resp.Status(), resp.String())
	}
	w.log.Debug("job reported", zap.String("id", ev.Job), zap.String("stage", string(ev.Stage)), zap.Bool("ack", ack.Success))
	return nil
}
