package notify

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const DefaultEndpoint = "https://api.pushover.net/1/messages.json"

// Notification is one push message. User and Token are the recipient's
// user key and the sending application's token.
type Notification struct {
	User    string
	Token   string
	Title   string
	Message string
}

type payload struct {
	Token   string `json:"token"`
	User    string `json:"user"`
	Message string `json:"message"`
	Title   string `json:"title"`
}

// Pushover posts notifications to the Pushover messages API.
type Pushover struct {
	Endpoint string
	Client   *resty.Client
	logger   *zap.SugaredLogger
}

// NewPushover returns a dispatcher for endpoint, or DefaultEndpoint when
// endpoint is blank. A nil client gets a 10 second timeout and no retries.
func NewPushover(endpoint string, client *resty.Client, logger *zap.SugaredLogger) *Pushover {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = resty.New().SetTimeout(10 * time.Second)
	}
	return &Pushover{Endpoint: endpoint, Client: client, logger: logger}
}

// Send posts n when both credentials are set. Failures are logged and
// dropped.
func (p *Pushover) Send(ctx context.Context, n Notification) {
	if strings.TrimSpace(n.User) == "" || strings.TrimSpace(n.Token) == "" {
		p.logger.Debugf("notification %q skipped: no credentials", n.Title)
		return
	}

	resp, err := p.Client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload{
			Token:   n.Token,
			User:    n.User,
			Message: n.Message,
			Title:   n.Title,
		}).
		Post(p.Endpoint)
	if err != nil {
		p.logger.Errorf("send notification %q: %v", n.Title, err)
		return
	}

	if !resp.IsSuccess() {
		p.logger.Warnf("notification %q rejected: status %d", n.Title, resp.StatusCode())
		return
	}
	p.logger.Infof("notification %q sent: status %d", n.Title, resp.StatusCode())
}
