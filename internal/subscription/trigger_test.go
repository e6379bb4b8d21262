package subscription

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 14, 8, 59, 30, 0, time.UTC)

func TestCronAdvance(t *testing.T) {
	tr, err := ParseTrigger(TriggerCron, json.RawMessage(`{"expression":"0 9 * * *"}`))
	require.NoError(t, err)

	adv := tr.Advance(t0, 1)
	require.True(t, adv.Enabled)
	require.NotNil(t, adv.Next)
	assert.Equal(t, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), *adv.Next)
	assert.Equal(t, "Scheduled (cron: 0 9 * * *)", tr.Reason())
}

func TestCronTimezone(t *testing.T) {
	tr, err := ParseTrigger(TriggerCron, json.RawMessage(`{"expression":"0 9 * * *","timezone":"Asia/Shanghai"}`))
	require.NoError(t, err)

	next, ok := tr.First(t0)
	require.True(t, ok)
	// 09:00 Shanghai is 01:00 UTC.
	assert.Equal(t, time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC), next)
}

func TestCronSixFieldsAndDescriptors(t *testing.T) {
	for _, expr := range []string{"*/30 * * * * *", "@hourly", "@every 5m"} {
		_, err := ParseTrigger(TriggerCron, json.RawMessage(`{"expression":"`+expr+`"}`))
		assert.NoError(t, err, expr)
	}
}

func TestIntervalAdvanceUsesScanTime(t *testing.T) {
	tr, err := ParseTrigger(TriggerInterval, json.RawMessage(`{"interval_seconds":60}`))
	require.NoError(t, err)

	scan := t0.Add(2 * time.Second)
	adv := tr.Advance(scan, 1)
	require.True(t, adv.Enabled)
	assert.Equal(t, t0.Add(62*time.Second), *adv.Next)
	assert.Equal(t, "Scheduled (every 1m0s)", tr.Reason())
}

func TestIntervalForms(t *testing.T) {
	cases := map[string]time.Duration{
		`{"interval_seconds":90}`:      90 * time.Second,
		`{"value":2,"unit":"hours"}`:   2 * time.Hour,
		`{"value":1,"unit":"days"}`:    24 * time.Hour,
		`{"every":"55m"}`:              55 * time.Minute,
		`{"every":"02:30"}`:            150 * time.Minute,
		`{"value":3,"unit":"minutes"}`: 3 * time.Minute,
		`{"value":45}`:                 45 * time.Second,
	}
	for raw, want := range cases {
		var c IntervalConfig
		require.NoError(t, json.Unmarshal([]byte(raw), &c))
		got, err := c.Duration()
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestIntervalMaxExecutionsDisables(t *testing.T) {
	tr, err := ParseTrigger(TriggerInterval, json.RawMessage(`{"interval_seconds":60,"max_executions":3}`))
	require.NoError(t, err)

	assert.True(t, tr.Advance(t0, 2).Enabled)
	adv := tr.Advance(t0, 3)
	assert.False(t, adv.Enabled)
	assert.Nil(t, adv.Next)
}

func TestOneTimeDisablesAfterFiring(t *testing.T) {
	tr, err := ParseTrigger(TriggerOneTime, json.RawMessage(`{"execute_at":"2026-10-14T09:00:00+08:00"}`))
	require.NoError(t, err)

	first, ok := tr.First(t0)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 10, 14, 1, 0, 0, 0, time.UTC), first)

	adv := tr.Advance(t0, 1)
	assert.False(t, adv.Enabled)
	assert.Nil(t, adv.Next)
}

func TestEventTrigger(t *testing.T) {
	tr, err := ParseTrigger(TriggerEvent, json.RawMessage(`{"event_type":"git_push","filter":{"branch":"main"}}`))
	require.NoError(t, err)

	_, ok := tr.First(t0)
	assert.False(t, ok)
	adv := tr.Advance(t0, 1)
	assert.True(t, adv.Enabled)
	assert.Nil(t, adv.Next)
	assert.Equal(t, "Event: git_push", tr.Reason())

	et := tr.(*EventTrigger)
	assert.True(t, et.Matches("git_push", map[string]any{"branch": "main", "repo": "x"}))
	assert.False(t, et.Matches("git_push", map[string]any{"branch": "dev"}))
	assert.False(t, et.Matches("webhook", map[string]any{"branch": "main"}))
}

func TestInvalidConfigs(t *testing.T) {
	cases := []struct {
		typ TriggerType
		raw string
	}{
		{TriggerCron, `{}`},
		{TriggerCron, `{"expression":"61 * * * *"}`},
		{TriggerCron, `{"expression":"0 9 * * *","timezone":"Mars/Olympus"}`},
		{TriggerCron, `{"expression":"0 9 * * *","extra":1}`},
		{TriggerInterval, `{}`},
		{TriggerInterval, `{"interval_seconds":0}`},
		{TriggerInterval, `{"value":1,"unit":"fortnights"}`},
		{TriggerInterval, `{"every":"00:75"}`},
		{TriggerInterval, `{"every":"500ms"}`},
		{TriggerOneTime, `{}`},
		{TriggerOneTime, `{"execute_at":"tomorrow"}`},
		{TriggerEvent, `{}`},
		{TriggerEvent, `{"event_type":"webhook","filter":[1]}`},
		{TriggerType("hourly"), `{}`},
	}
	for _, tc := range cases {
		_, err := ParseTrigger(tc.typ, json.RawMessage(tc.raw))
		assert.ErrorIs(t, err, ErrInvalidTriggerConfig, "%s %s", tc.typ, tc.raw)
	}
}

func TestSubscriptionValidateAndSchedule(t *testing.T) {
	s := &Subscription{
		UserID:         1,
		Name:           "daily digest",
		TriggerType:    TriggerInterval,
		TriggerConfig:  json.RawMessage(`{"interval_seconds":60}`),
		PromptTemplate: "Summarize {{date}}",
		Enabled:        true,
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.Schedule(t0))
	require.NotNil(t, s.NextExecutionTime)
	assert.Equal(t, t0.Add(time.Minute), *s.NextExecutionTime)

	s.TriggerType = TriggerEvent
	s.TriggerConfig = json.RawMessage(`{"event_type":"webhook"}`)
	require.NoError(t, s.Schedule(t0))
	assert.Nil(t, s.NextExecutionTime)

	s.PromptTemplate = " "
	assert.Error(t, s.Validate())
}

func TestParseTriggerType(t *testing.T) {
	tt, err := ParseTriggerType(" One_Time ")
	require.NoError(t, err)
	assert.Equal(t, TriggerOneTime, tt)
	_, err = ParseTriggerType("weekly")
	assert.ErrorIs(t, err, ErrInvalidTriggerConfig)
}

func TestRenderPrompt(t *testing.T) {
	out := RenderPrompt("[{{subscription_name}}] {{date}} {{time}} {{trigger_reason}} {{event}} {{unknown}}", PromptVars{
		Now:           time.Date(2026, 10, 14, 1, 5, 0, 0, time.UTC),
		Location:      time.FixedZone("CST", 8*3600),
		Name:          "news",
		TriggerReason: "Event: webhook",
		Event:         map[string]any{"id": 7},
	})
	assert.Equal(t, `[news] 2026-10-14 09:05 Event: webhook {"id":7} {{unknown}}`, out)
}
