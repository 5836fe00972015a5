package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetbot/internal/platform"
)

// BotConfig is the runtime configuration for one bot, supplied by the caller
// at start. The session token is caller-owned; the engine only uses it to
// open the connection.
type BotConfig struct {
	BotID        string
	Credentials  platform.Credentials
	SessionToken string

	// MessageVariants is a non-empty pool; each send picks one uniformly.
	MessageVariants []string

	// MinDelay/MaxDelay bound the jittered pause before each channel send.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Channels are destination dialog ids. Iteration order is stable but not
	// semantically significant.
	Channels []int64

	AutoReply     bool
	AutoReplyText string

	ScheduleEnabled   bool
	ScheduleStartHour int // [0,24]
	ScheduleEndHour   int // [0,24], window is [start,end)
	ScheduleDays      map[time.Weekday]bool

	// DailyLimit caps successful sends per local day. 0 = unlimited.
	DailyLimit int
}

func (c *BotConfig) Validate() error {
	if strings.TrimSpace(c.BotID) == "" {
		return errors.New("bot id is required")
	}
	if strings.TrimSpace(c.SessionToken) == "" {
		return errors.New("session token is required")
	}
	if len(c.MessageVariants) == 0 {
		return errors.New("at least one message variant is required")
	}
	for i, v := range c.MessageVariants {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("message variant %d is empty", i)
		}
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return errors.New("delays must be >= 0")
	}
	if c.MinDelay > c.MaxDelay {
		return errors.New("min delay must be <= max delay")
	}
	if c.ScheduleEnabled {
		if c.ScheduleStartHour < 0 || c.ScheduleStartHour > 24 ||
			c.ScheduleEndHour < 0 || c.ScheduleEndHour > 24 {
			return errors.New("schedule hours must be within [0,24]")
		}
	}
	if c.DailyLimit < 0 {
		return errors.New("daily limit must be >= 0")
	}
	if c.AutoReply && strings.TrimSpace(c.AutoReplyText) == "" {
		return errors.New("auto-reply enabled but reply text is empty")
	}
	return nil
}
