package notify

import (
	"errors"
	"fmt"
	"slices"
)

// Priorities are the ntfy priority names accepted by Config.
var Priorities = []string{"min", "low", "default", "high", "urgent"}

// Config holds ntfy notification configuration.
type Config struct {
	Enabled   bool
	Server    string // ntfy server URL
	Topic     string
	Priority  string // one of Priorities
	Tags      string // comma separated emoji tags
	Token     string // bearer token for private topics
	QueueSize int    // events buffered before new ones are dropped
}

var errNoTopic = errors.New("notify: topic is required")

// Validate is a no-op for disabled configs.
func (c *Config) Validate() error {
	switch {
	case !c.Enabled:
		return nil
	case c.Topic == "":
		return errNoTopic
	case !slices.Contains(Priorities, c.Priority):
		return fmt.Errorf("notify: unknown priority %q", c.Priority)
	}
	return nil
}
