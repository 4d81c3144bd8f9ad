package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/chestnet/chestnet-go/internal/privacy"
)

// ShoutrrrProvider sends via nicholas-fedor/shoutrrr service URLs
// (email, telegram, slack, ...).
type ShoutrrrProvider struct {
	name    string
	enabled bool
	url     string
	events  eventSet
	sender  *router.ServiceRouter
	timeout time.Duration
}

// NewShoutrrrProvider creates a shoutrrr provider for a single service URL.
func NewShoutrrrProvider(name string, enabled bool, url string, events []string, timeout time.Duration) *ShoutrrrProvider {
	sp := &ShoutrrrProvider{
		name:    strings.TrimSpace(name),
		enabled: enabled,
		url:     url,
		events:  newEventSet(events),
		timeout: timeout,
	}
	if sp.name == "" {
		sp.name = "shoutrrr"
	}
	return sp
}

func (s *ShoutrrrProvider) GetName() string                { return s.name }
func (s *ShoutrrrProvider) IsEnabled() bool                { return s.enabled }
func (s *ShoutrrrProvider) SupportsEvent(event string) bool { return s.events.supports(event) }

func (s *ShoutrrrProvider) ValidateConfig() error {
	if !s.enabled {
		return nil
	}
	if s.url == "" {
		return fmt.Errorf("shoutrrr URL is required")
	}
	// Build sender to validate the URL
	sender, err := shoutrrr.CreateSender(s.url)
	if err != nil {
		// Sanitize, the URL may carry tokens or credentials
		return privacy.WrapError(err)
	}
	s.sender = sender
	if s.timeout > 0 {
		s.sender.Timeout = s.timeout
	}
	s.sender.SetLogger(log.New(io.Discard, "", 0))
	return nil
}

func (s *ShoutrrrProvider) Send(ctx context.Context, n *Notification) error {
	if s.sender == nil {
		return fmt.Errorf("shoutrrr sender not initialized")
	}
	_ = ctx // router handles its own timeouts

	params := stypes.Params{}
	if n.Title != "" {
		params.SetTitle(n.Title)
	}
	errs := s.sender.Send(n.Message, &params)
	for _, e := range errs {
		if e != nil {
			return privacy.WrapError(e)
		}
	}
	return nil
}
