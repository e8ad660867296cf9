// Package dispatch delivers notification events to the push backends the
// notifier consumes into.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool/internal/notify"
)

// Deliverer pushes one event to a user's device channel.
type Deliverer interface {
	Deliver(ctx context.Context, evt notify.Event) error
}

// PushDispatcher posts the event JSON to a generic push provider endpoint.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewPushDispatcher(endpoint string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Deliver(ctx context.Context, evt notify.Event) error {
	b, _ := json.Marshal(map[string]interface{}{"user_id": evt.RecipientID, "event": evt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return nil
}

// FCMDispatcher posts to an FCM HTTPv1 endpoint using a server key or oauth token.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Deliver(ctx context.Context, evt notify.Event) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": evt.RecipientID,
		"data": map[string]string{
			"type":    evt.Type,
			"ride_id": evt.RideID,
		},
	}}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
