package sinkfakes

import (
	"sync"

	"github.com/attendly/go-auth-client/notify"
)

var _ notify.ReminderSink = (*FakeSink)(nil)

// FakeSink records every reminder and notification for assertions.
type FakeSink struct {
	lock sync.Mutex

	Reminders     []int
	Notifications []Notification

	ReminderErr     error
	NotificationErr error
}

// Notification is one recorded SendImmediateNotification call.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

func (f *FakeSink) ScheduleExpiryReminder(minutesRemaining int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.Reminders = append(f.Reminders, minutesRemaining)
	return f.ReminderErr
}

func (f *FakeSink) SendImmediateNotification(title, body string, data map[string]string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.Notifications = append(f.Notifications, Notification{Title: title, Body: body, Data: data})
	return f.NotificationErr
}

// ReminderCount returns the number of recorded reminders.
func (f *FakeSink) ReminderCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.Reminders)
}

// NotificationCount returns the number of recorded notifications.
func (f *FakeSink) NotificationCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.Notifications)
}

// LastReminder returns the most recent reminder minutes, or -1 when none.
func (f *FakeSink) LastReminder() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.Reminders) == 0 {
		return -1
	}
	return f.Reminders[len(f.Reminders)-1]
}
