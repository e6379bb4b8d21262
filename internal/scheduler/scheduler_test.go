package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wegent/pkg/logx"
)

func nopJob(context.Context) error { return nil }

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name string
		spec JobSpec
		ok   bool
	}{
		{"cron", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "*/5 * * * *"}, true},
		{"cron with seconds", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "0 */5 * * * *"}, true},
		{"descriptor", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "@hourly", Timezone: "Asia/Shanghai"}, true},
		{"interval", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerInterval, Interval: time.Minute}, true},
		{"date", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerDate, RunAt: time.Now()}, true},
		{"missing id", JobSpec{Func: nopJob, TriggerType: TriggerInterval, Interval: time.Minute}, false},
		{"missing func", JobSpec{ID: "a", TriggerType: TriggerInterval, Interval: time.Minute}, false},
		{"bad cron", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "not cron"}, false},
		{"bad timezone", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerCron, Cron: "@daily", Timezone: "Mars/Base"}, false},
		{"sub-second interval", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerInterval, Interval: 500 * time.Millisecond}, false},
		{"date without time", JobSpec{ID: "a", Func: nopJob, TriggerType: TriggerDate}, false},
		{"unknown trigger", JobSpec{ID: "a", Func: nopJob, TriggerType: "weekly"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := compile(tt.spec, "", false)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestAlignedEveryAgreesAcrossCallers(t *testing.T) {
	s := alignedEvery{every: time.Minute}
	a := s.Next(time.Date(2026, 1, 1, 10, 0, 12, 0, time.UTC))
	b := s.Next(time.Date(2026, 1, 1, 10, 0, 48, 0, time.UTC))
	assert.Equal(t, a, b)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC), a)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(logx.Nop())
	assert.Equal(t, []string{BackendAdmin, BackendLightweight, BackendQueue}, r.Names())

	_, err := r.New("celery", Deps{})
	require.ErrorIs(t, err, ErrBackendNotFound)

	custom := func(Deps) (Backend, error) { return NewLightweight(LightweightOptions{}), nil }
	assert.False(t, r.Register(BackendLightweight, custom, false))
	assert.True(t, r.Register(" Custom ", custom, false))
	assert.True(t, r.Register("custom", custom, true))

	b, err := r.New("LIGHTWEIGHT", Deps{Log: logx.Nop()})
	require.NoError(t, err)
	assert.Equal(t, "lightweight", b.Type())

	_, err = r.New(BackendQueue, Deps{})
	require.Error(t, err, "queue backend needs a queue")

	assert.Nil(t, r.Active())
	r.SetActive(BackendLightweight, b)
	assert.Same(t, b, r.Active())
	assert.Equal(t, BackendLightweight, r.ActiveName())
}

func TestRunHandleWait(t *testing.T) {
	h := newRunHandle("a")
	assert.NoError(t, h.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)

	boom := errors.New("boom")
	h.finish(boom)
	require.ErrorIs(t, h.Wait(context.Background()), boom)
	require.ErrorIs(t, h.Err(), boom)
}
