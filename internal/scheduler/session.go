package scheduler

import (
	"fmt"
	"strings"
	"time"

	"helmsman/internal/config"
)

// Session resolves wall-clock instants for the configured trading session.
// All window arithmetic in the tick loop goes through it so the open and
// close anchors come from one place.
type Session struct {
	loc       *time.Location
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
	days      map[time.Weekday]bool
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func NewSession(cfg config.SessionConfig) (*Session, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session: timezone %q: %w", cfg.Timezone, err)
	}
	oh, om, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	ch, cm, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("session: close: %w", err)
	}
	days := make(map[time.Weekday]bool)
	for _, d := range cfg.Days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("session: unknown day %q", d)
		}
		days[wd] = true
	}
	if len(days) == 0 {
		for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
			days[wd] = true
		}
	}
	return &Session{
		loc:      loc,
		openHour: oh, openMin: om,
		closeHour: ch, closeMin: cm,
		days: days,
	}, nil
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// TradingDay reports whether the session trades on now's weekday.
func (s *Session) TradingDay(now time.Time) bool {
	return s.days[now.In(s.loc).Weekday()]
}

// OpenAt returns the session open instant on now's calendar day.
func (s *Session) OpenAt(now time.Time) time.Time {
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), s.openHour, s.openMin, 0, 0, s.loc)
}

// CloseAt returns the session close instant on now's calendar day.
func (s *Session) CloseAt(now time.Time) time.Time {
	local := now.In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), s.closeHour, s.closeMin, 0, 0, s.loc)
}

// IsOpen reports whether now falls inside the session.
func (s *Session) IsOpen(now time.Time) bool {
	if !s.TradingDay(now) {
		return false
	}
	local := now.In(s.loc)
	return !local.Before(s.OpenAt(now)) && local.Before(s.CloseAt(now))
}

// NextOpen returns the first session open strictly after now.
func (s *Session) NextOpen(now time.Time) time.Time {
	candidate := s.OpenAt(now)
	for i := 0; i < 8; i++ {
		if candidate.After(now.In(s.loc)) && s.days[candidate.Weekday()] {
			return candidate
		}
		candidate = s.OpenAt(candidate.AddDate(0, 0, 1))
	}
	return candidate
}

// NextClose returns the first session close strictly after now.
func (s *Session) NextClose(now time.Time) time.Time {
	candidate := s.CloseAt(now)
	for i := 0; i < 8; i++ {
		if candidate.After(now.In(s.loc)) && s.days[candidate.Weekday()] {
			return candidate
		}
		candidate = s.CloseAt(candidate.AddDate(0, 0, 1))
	}
	return candidate
}

// Date returns the session date string for now in the session timezone.
func (s *Session) Date(now time.Time) string {
	return now.In(s.loc).Format("2006-01-02")
}
