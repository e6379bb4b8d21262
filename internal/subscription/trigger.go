package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidTriggerConfig = errors.New("invalid trigger config")

// SecondOptional allows both 5-field and 6-field (with seconds) cron expressions.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses expr with the parser shared by every backend.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(expr))
}

// CronParser exposes the parser so schedulers accept the same syntax.
func CronParser() cron.Parser { return cronParser }

// Trigger decides when a subscription fires.
type Trigger interface {
	Type() TriggerType
	// First returns the initial fire time for a freshly scheduled subscription.
	First(now time.Time) (time.Time, bool)
	// Advance computes the state after a firing at now.
	Advance(now time.Time, executionCount int64) Advancement
	// Reason describes the firing for the execution record.
	Reason() string
}

// Advancement is the subscription state after one firing.
type Advancement struct {
	Next    *time.Time
	Enabled bool
}

// ParseTrigger validates raw against the shape of typ.
func ParseTrigger(typ TriggerType, raw json.RawMessage) (Trigger, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch typ {
	case TriggerCron:
		var c CronConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c.build()
	case TriggerInterval:
		var c IntervalConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c.build()
	case TriggerOneTime:
		var c OneTimeConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c.build()
	case TriggerEvent:
		var c EventConfig
		if err := decodeStrict(raw, &c); err != nil {
			return nil, err
		}
		return c.build()
	default:
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTriggerConfig, typ)
	}
}

func decodeStrict(raw json.RawMessage, into any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTriggerConfig, err)
	}
	return nil
}

// ---- cron ----

// CronConfig: {"expression": "0 9 * * *", "timezone": "Asia/Shanghai"}
type CronConfig struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"`
}

type cronTrigger struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

func (c CronConfig) build() (Trigger, error) {
	expr := strings.TrimSpace(c.Expression)
	if expr == "" {
		return nil, fmt.Errorf("%w: cron expression required", ErrInvalidTriggerConfig)
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidTriggerConfig, expr, err)
	}
	loc := time.UTC
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidTriggerConfig, tz, err)
		}
		loc = l
	}
	return &cronTrigger{expr: expr, sched: sched, loc: loc}, nil
}

func (t *cronTrigger) Type() TriggerType { return TriggerCron }

func (t *cronTrigger) next(now time.Time) (time.Time, bool) {
	n := t.sched.Next(now.In(t.loc))
	if n.IsZero() {
		return time.Time{}, false
	}
	return n.UTC(), true
}

func (t *cronTrigger) First(now time.Time) (time.Time, bool) { return t.next(now) }

func (t *cronTrigger) Advance(now time.Time, _ int64) Advancement {
	n, ok := t.next(now)
	if !ok {
		return Advancement{Enabled: false}
	}
	return Advancement{Next: &n, Enabled: true}
}

func (t *cronTrigger) Reason() string { return fmt.Sprintf("Scheduled (cron: %s)", t.expr) }

// ---- interval ----

// IntervalConfig accepts {"interval_seconds": 60}, {"value": 2, "unit": "hours"}
// or {"every": "55m"} (Go duration or HH:MM). MaxExecutions > 0 disables the
// subscription once that many executions were created.
type IntervalConfig struct {
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
	Value           int64  `json:"value,omitempty"`
	Unit            string `json:"unit,omitempty"`
	Every           string `json:"every,omitempty"`
	MaxExecutions   int64  `json:"max_executions,omitempty"`
}

type intervalTrigger struct {
	every time.Duration
	max   int64
}

func (c IntervalConfig) Duration() (time.Duration, error) {
	switch {
	case c.IntervalSeconds > 0:
		return time.Duration(c.IntervalSeconds) * time.Second, nil
	case c.Value > 0:
		var unit time.Duration
		switch strings.ToLower(strings.TrimSpace(c.Unit)) {
		case "", "s", "sec", "second", "seconds":
			unit = time.Second
		case "m", "min", "minute", "minutes":
			unit = time.Minute
		case "h", "hour", "hours":
			unit = time.Hour
		case "d", "day", "days":
			unit = 24 * time.Hour
		case "w", "week", "weeks":
			unit = 7 * 24 * time.Hour
		default:
			return 0, fmt.Errorf("%w: unknown interval unit %q", ErrInvalidTriggerConfig, c.Unit)
		}
		return time.Duration(c.Value) * unit, nil
	case strings.TrimSpace(c.Every) != "":
		return parseEvery(c.Every)
	}
	return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidTriggerConfig)
}

func (c IntervalConfig) build() (Trigger, error) {
	d, err := c.Duration()
	if err != nil {
		return nil, err
	}
	if d < time.Second {
		return nil, fmt.Errorf("%w: interval must be at least 1s", ErrInvalidTriggerConfig)
	}
	if c.MaxExecutions < 0 {
		return nil, fmt.Errorf("%w: max_executions must be >= 0", ErrInvalidTriggerConfig)
	}
	return &intervalTrigger{every: d, max: c.MaxExecutions}, nil
}

func (t *intervalTrigger) Type() TriggerType { return TriggerInterval }

func (t *intervalTrigger) First(now time.Time) (time.Time, bool) {
	return now.Add(t.every).UTC(), true
}

// executionCount includes the firing being recorded.
func (t *intervalTrigger) Advance(now time.Time, executionCount int64) Advancement {
	if t.max > 0 && executionCount >= t.max {
		return Advancement{Enabled: false}
	}
	n := now.Add(t.every).UTC()
	return Advancement{Next: &n, Enabled: true}
}

func (t *intervalTrigger) Reason() string { return fmt.Sprintf("Scheduled (every %s)", t.every) }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// parseEvery accepts a Go duration ("55m", "2h30m") or HH:MM ("02:30").
func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidTriggerConfig, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidTriggerConfig)
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m')", ErrInvalidTriggerConfig, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidTriggerConfig)
	}
	return d, nil
}

// ---- one-time ----

// OneTimeConfig: {"execute_at": "2026-10-14T09:00:00Z"}
type OneTimeConfig struct {
	ExecuteAt time.Time `json:"execute_at"`
}

type oneTimeTrigger struct{ at time.Time }

func (c OneTimeConfig) build() (Trigger, error) {
	if c.ExecuteAt.IsZero() {
		return nil, fmt.Errorf("%w: execute_at required", ErrInvalidTriggerConfig)
	}
	return &oneTimeTrigger{at: c.ExecuteAt.UTC()}, nil
}

func (t *oneTimeTrigger) Type() TriggerType { return TriggerOneTime }

// First keeps a past execute_at so an overdue one-time subscription fires on the next scan.
func (t *oneTimeTrigger) First(time.Time) (time.Time, bool) { return t.at, true }

func (t *oneTimeTrigger) Advance(time.Time, int64) Advancement {
	return Advancement{Enabled: false}
}

func (t *oneTimeTrigger) Reason() string {
	return fmt.Sprintf("One-time (%s)", t.at.Format(time.RFC3339))
}

// ---- event ----

// EventConfig: {"event_type": "webhook", "filter": {...}}
type EventConfig struct {
	EventType string          `json:"event_type"`
	Filter    json.RawMessage `json:"filter,omitempty"`
}

type EventTrigger struct {
	EventType string
	Filter    map[string]any
}

func (c EventConfig) build() (Trigger, error) {
	et := strings.TrimSpace(c.EventType)
	if et == "" {
		return nil, fmt.Errorf("%w: event_type required", ErrInvalidTriggerConfig)
	}
	t := &EventTrigger{EventType: et}
	if len(c.Filter) > 0 && string(c.Filter) != "null" {
		if err := json.Unmarshal(c.Filter, &t.Filter); err != nil {
			return nil, fmt.Errorf("%w: filter must be an object: %v", ErrInvalidTriggerConfig, err)
		}
	}
	return t, nil
}

func (t *EventTrigger) Type() TriggerType { return TriggerEvent }

func (t *EventTrigger) First(time.Time) (time.Time, bool) { return time.Time{}, false }

// Advance leaves the time fields alone: event subscriptions are fired externally.
func (t *EventTrigger) Advance(time.Time, int64) Advancement { return Advancement{Enabled: true} }

func (t *EventTrigger) Reason() string { return "Event: " + t.EventType }

// Matches reports whether an incoming event satisfies the subscription.
// Every filter key must be present in payload with an equal value.
func (t *EventTrigger) Matches(eventType string, payload map[string]any) bool {
	if !strings.EqualFold(strings.TrimSpace(eventType), t.EventType) {
		return false
	}
	for k, want := range t.Filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
