package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackPayload is the Slack-like message shape sent by SlackChannel.
type SlackPayload struct {
	Text      string                 `json:"text"`
	Channel   string                 `json:"channel,omitempty"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	SLOName   string                 `json:"slo_name,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PagerDutyPayload is the PagerDuty-like event shape sent by
// PagerDutyChannel; it carries a routing key and dedup key in
// addition to the common fields.
type PagerDutyPayload struct {
	RoutingKey  string                 `json:"routing_key"`
	DedupKey    string                 `json:"dedup_key,omitempty"`
	EventAction string                 `json:"event_action"`
	Payload     PagerDutyEventBody     `json:"payload"`
	Metadata    map[string]interface{} `json:"custom_details,omitempty"`
}

// PagerDutyEventBody is the nested "payload" object in a PagerDuty event.
type PagerDutyEventBody struct {
	Summary   string `json:"summary"`
	Severity  string `json:"severity"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

func eventActionFor(sev Severity) string {
	if sev == Resolved {
		return "resolve"
	}
	return "trigger"
}

func pagerDutySeverity(sev Severity) string {
	switch sev {
	case Critical:
		return "critical"
	case Warn:
		return "warning"
	case Resolved:
		return "info"
	default:
		return "info"
	}
}

// HTTPPoster performs the outbound HTTP call for webhook-backed
// channels. http.Client satisfies it; tests inject a fake.
type HTTPPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

func postJSON(ctx context.Context, poster HTTPPoster, url string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := poster.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts a SlackPayload to a webhook URL.
type SlackChannel struct {
	name        string
	webhookURL  string
	minSeverity Severity
	poster      HTTPPoster
}

// NewSlackChannel constructs a Slack webhook channel.
func NewSlackChannel(name, webhookURL string, minSeverity Severity, poster HTTPPoster) *SlackChannel {
	return &SlackChannel{name: name, webhookURL: webhookURL, minSeverity: minSeverity, poster: poster}
}

func (c *SlackChannel) Name() string            { return c.name }
func (c *SlackChannel) Kind() ChannelKind        { return Slack }
func (c *SlackChannel) MinSeverity() Severity    { return c.minSeverity }
func (c *SlackChannel) Send(ctx context.Context, alert Alert) error {
	payload := SlackPayload{
		Text:      fmt.Sprintf("*%s*\n%s", alert.Title, alert.Message),
		Severity:  string(alert.Severity),
		Source:    alert.Source,
		AgentID:   alert.AgentID,
		SLOName:   alert.SLOName,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Metadata:  alert.Metadata,
	}
	return postJSON(ctx, c.poster, c.webhookURL, payload)
}

// PagerDutyChannel posts a PagerDutyPayload to the Events API v2 endpoint.
type PagerDutyChannel struct {
	name        string
	eventsURL   string
	routingKey  string
	minSeverity Severity
	poster      HTTPPoster
}

// NewPagerDutyChannel constructs a PagerDuty Events API channel.
func NewPagerDutyChannel(name, eventsURL, routingKey string, minSeverity Severity, poster HTTPPoster) *PagerDutyChannel {
	return &PagerDutyChannel{name: name, eventsURL: eventsURL, routingKey: routingKey, minSeverity: minSeverity, poster: poster}
}

func (c *PagerDutyChannel) Name() string         { return c.name }
func (c *PagerDutyChannel) Kind() ChannelKind     { return PagerDuty }
func (c *PagerDutyChannel) MinSeverity() Severity { return c.minSeverity }
func (c *PagerDutyChannel) Send(ctx context.Context, alert Alert) error {
	payload := PagerDutyPayload{
		RoutingKey:  c.routingKey,
		DedupKey:    alert.DedupKey,
		EventAction: eventActionFor(alert.Severity),
		Payload: PagerDutyEventBody{
			Summary:   alert.Title,
			Severity:  pagerDutySeverity(alert.Severity),
			Source:    alert.Source,
			Timestamp: alert.Timestamp.Format(time.RFC3339),
		},
		Metadata: alert.Metadata,
	}
	return postJSON(ctx, c.poster, c.eventsURL, payload)
}

// GenericWebhookChannel posts the raw Alert as JSON. It also serves
// Opsgenie and Teams integrations, whose payload shapes differ only
// in the receiving end's expectations, not in what this process sends.
type GenericWebhookChannel struct {
	name        string
	kind        ChannelKind
	url         string
	minSeverity Severity
	poster      HTTPPoster
}

// NewGenericWebhookChannel constructs a channel that POSTs the Alert
// as JSON. kind lets the same implementation back Opsgenie, Teams, or
// a truly generic webhook.
func NewGenericWebhookChannel(name string, kind ChannelKind, url string, minSeverity Severity, poster HTTPPoster) *GenericWebhookChannel {
	return &GenericWebhookChannel{name: name, kind: kind, url: url, minSeverity: minSeverity, poster: poster}
}

func (c *GenericWebhookChannel) Name() string         { return c.name }
func (c *GenericWebhookChannel) Kind() ChannelKind     { return c.kind }
func (c *GenericWebhookChannel) MinSeverity() Severity { return c.minSeverity }
func (c *GenericWebhookChannel) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, c.poster, c.url, alert)
}

// InProcessCallbackChannel invokes an in-process function, used for
// wiring alerts straight into the incident detector's automated
// responses or into test assertions without a network hop.
type InProcessCallbackChannel struct {
	name        string
	minSeverity Severity
	fn          func(alert Alert) error
}

// NewInProcessCallbackChannel constructs a channel backed by fn.
func NewInProcessCallbackChannel(name string, minSeverity Severity, fn func(alert Alert) error) *InProcessCallbackChannel {
	return &InProcessCallbackChannel{name: name, minSeverity: minSeverity, fn: fn}
}

func (c *InProcessCallbackChannel) Name() string         { return c.name }
func (c *InProcessCallbackChannel) Kind() ChannelKind     { return InProcessCallback }
func (c *InProcessCallbackChannel) MinSeverity() Severity { return c.minSeverity }
func (c *InProcessCallbackChannel) Send(ctx context.Context, alert Alert) error {
	return c.fn(alert)
}
