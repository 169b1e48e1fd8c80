// Package handoff passes admitted scan jobs to an external crawler fleet by
// publishing a scan request message. Crawlers report back through the HTTP
// callback routes.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// EventScanRequested is the message type published for every admitted job.
const EventScanRequested = "scan.requested"

// Request is the message body crawlers receive.
type Request struct {
	Event       string    `json:"event"`
	JobID       string    `json:"job_id"`
	Category    string    `json:"category"`
	Tag         string    `json:"tag,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	CallbackURL string    `json:"callback_url,omitempty"`
}

// Attributes exposes routing attributes to publishers that support them.
func (r Request) Attributes() map[string]string {
	return map[string]string{
		"event":    r.Event,
		"job_id":   r.JobID,
		"category": r.Category,
	}
}

// Crawler implements scan.Crawler by publishing a Request and returning.
type Crawler struct {
	publisher   scan.Publisher
	topic       string
	callbackURL string
	logger      *zap.Logger
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithCallbackURL sets the base URL crawlers should report results to.
func WithCallbackURL(base string) Option {
	return func(c *Crawler) {
		c.callbackURL = strings.TrimRight(base, "/")
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a hand-off Crawler publishing to topic.
func New(publisher scan.Publisher, topic string, opts ...Option) (*Crawler, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("topic is required")
	}
	c := &Crawler{publisher: publisher, topic: topic, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Crawl publishes the job and returns once the broker acknowledged it.
// Results arrive later through the coordinator's callback routes, so sink is
// not used here.
func (c *Crawler) Crawl(ctx context.Context, job scan.ScanJob, _ scan.ResultSink) error {
	req := Request{
		Event:       EventScanRequested,
		JobID:       job.ID,
		Category:    job.Category,
		Tag:         job.Tag,
		RequestedAt: job.StartedAt,
	}
	if c.callbackURL != "" {
		req.CallbackURL = fmt.Sprintf("%s/v1/jobs/%s", c.callbackURL, job.ID)
	}
	msgID, err := c.publisher.Publish(ctx, c.topic, req)
	if err != nil {
		return fmt.Errorf("publish scan request for job %s: %w", job.ID, err)
	}
	c.logger.Info("scan request published",
		zap.String("job_id", job.ID),
		zap.String("category", job.Category),
		zap.String("message_id", msgID),
	)
	return nil
}
