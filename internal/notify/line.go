package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// LineBaseURL is the Messaging API endpoint.
const LineBaseURL = "https://api.line.me"

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineError struct {
	Message string `json:"message"`
}

// LineNotifier pushes alerts to a LINE user or group.
type LineNotifier struct {
	client *resty.Client
	to     string
}

// NewLineNotifier creates a notifier using a channel access token.
func NewLineNotifier(baseURL, accessToken, to string) *LineNotifier {
	if baseURL == "" {
		baseURL = LineBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json")

	return &LineNotifier{client: client, to: to}
}

func (l *LineNotifier) Name() string { return "line" }

func (l *LineNotifier) Send(ctx context.Context, n Notification) error {
	var apiErr lineError
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(linePush{To: l.to, Messages: []lineMessage{{Type: "text", Text: Text(n)}}}).
		SetError(&apiErr).
		Post("/v2/bot/message/push")
	if err != nil {
		return fmt.Errorf("line: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("line: status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	return nil
}
