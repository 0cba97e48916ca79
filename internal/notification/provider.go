package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/sentinel-console/internal/logger"
)

// Provider is a delivery backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// ShoutrrrProvider sends via nicholas-fedor/shoutrrr.
// Creates a single sender for multiple URLs.
type ShoutrrrProvider struct {
	name   string
	urls   []string
	sender *router.ServiceRouter
}

// NewShoutrrrProvider validates the service URLs and builds the sender.
func NewShoutrrrProvider(name string, urls []string, timeout time.Duration) (*ShoutrrrProvider, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one URL is required")
	}
	sp := &ShoutrrrProvider{name: strings.TrimSpace(name), urls: slices.Clone(urls)}
	if sp.name == "" {
		sp.name = "shoutrrr"
	}

	sender, err := shoutrrr.CreateSender(sp.urls...)
	if err != nil {
		return nil, sp.sanitize(err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	sp.sender = sender
	return sp, nil
}

func (s *ShoutrrrProvider) Name() string { return s.name }

// Send delivers to every configured URL and returns the first failure.
func (s *ShoutrrrProvider) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	for _, err := range s.sender.Send(n.Message, &params) {
		if err != nil {
			return s.sanitize(err)
		}
	}
	return nil
}

// sanitize removes credentials carried in service URLs from err's text.
func (s *ShoutrrrProvider) sanitize(err error) error {
	msg := err.Error()
	for _, raw := range s.urls {
		redacted := "[redacted]"
		if u, perr := url.Parse(raw); perr == nil && u.Scheme != "" {
			redacted = u.Scheme + "://[redacted]"
		}
		msg = strings.ReplaceAll(msg, raw, redacted)
	}
	return fmt.Errorf("shoutrrr %s: %s", s.name, msg)
}

// LogProvider writes notifications to the logger. It is the fallback when no
// external service is configured.
type LogProvider struct {
	log logger.Logger
}

// NewLogProvider creates a LogProvider.
func NewLogProvider(log logger.Logger) *LogProvider {
	return &LogProvider{log: log}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Send(_ context.Context, n *Notification) error {
	fields := []logger.Field{
		logger.String("id", n.ID),
		logger.String("type", string(n.Type)),
		logger.String("priority", string(n.Priority)),
		logger.String("title", n.Title),
		logger.String("message", n.Message),
	}
	if n.Component != "" {
		fields = append(fields, logger.String("component", n.Component))
	}
	p.log.Info("notification", fields...)
	return nil
}
