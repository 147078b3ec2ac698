// Package notify defines the reminder sink contract the session manager uses
// to surface expiry warnings. Delivery mechanics (push, local notifications)
// live outside this repository.
package notify

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReminderSink receives session-expiry warnings and immediate notifications.
type ReminderSink interface {
	// ScheduleExpiryReminder requests a warning sized to the remaining
	// session time in whole minutes.
	ScheduleExpiryReminder(minutesRemaining int) error

	// SendImmediateNotification surfaces a notification right away.
	SendImmediateNotification(title, body string, data map[string]string) error
}

// LogSink writes notifications to the log. It is the default sink when no
// platform delivery channel is wired in.
type LogSink struct {
	log zerolog.Logger
}

var _ ReminderSink = (*LogSink)(nil)

// NewLogSink creates a LogSink writing to the global logger.
func NewLogSink() *LogSink {
	return &LogSink{log: log.Logger}
}

// NewLogSinkWithLogger creates a LogSink writing to the given logger.
func NewLogSinkWithLogger(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (s *LogSink) ScheduleExpiryReminder(minutesRemaining int) error {
	s.log.Info().Int("minutes_remaining", minutesRemaining).Msg("session expiry reminder")
	return nil
}

func (s *LogSink) SendImmediateNotification(title, body string, data map[string]string) error {
	s.log.Info().Str("title", title).Str("body", body).Fields(map[string]interface{}{"data": data}).Msg("notification")
	return nil
}
