package core

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTimeoutValidation(t *testing.T) {
	tests := []struct {
		name    string
		timeout Timeout
		valid   bool
		forever bool
		nowait  bool
	}{
		{"zero value", Timeout{}, true, false, true},
		{"no wait", NoWait, true, false, true},
		{"forever", Forever, true, true, false},
		{"seconds", Seconds(1.5), true, false, false},
		{"zero seconds", Seconds(0), true, false, true},
		{"sub nanosecond", Seconds(1e-10), true, false, false},
		{"positive infinity", Seconds(math.Inf(1)), true, true, false},
		{"negative infinity", Seconds(math.Inf(-1)), false, false, false},
		{"nan", Seconds(math.NaN()), false, false, false},
		{"negative seconds", Seconds(-1), false, false, false},
		{"thirty days", Seconds(2592000), true, false, false},
		{"over thirty days", Seconds(2592001), false, false, false},
		{"wait", Wait(time.Millisecond), true, false, false},
		{"negative wait", Wait(-time.Second), false, false, false},
		{"over long wait", Wait(MaxTimeout + time.Second), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.timeout.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTimeout))
			}
			assert.Equal(t, tt.forever, tt.timeout.IsForever())
			assert.Equal(t, tt.nowait, tt.timeout.IsNoWait())
		})
	}
}

func TestTimeoutString(t *testing.T) {
	assert.Equal(t, "nowait", NoWait.String())
	assert.Equal(t, "forever", Forever.String())
	assert.Equal(t, "1.5s", Seconds(1.5).String())
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5).Duration())
	assert.Contains(t, Seconds(-1).String(), "invalid")
	assert.Equal(t, time.Nanosecond, Seconds(1e-10).Duration())
}

func TestDeadlineIsPinnedAtEntry(t *testing.T) {
	now := time.Now()

	dl := Wait(time.Second).deadline(now)
	assert.Equal(t, now.Add(time.Second), dl.at)
	assert.False(t, dl.forever)
	assert.False(t, dl.nowait)

	assert.True(t, Forever.deadline(now).forever)
	assert.True(t, NoWait.deadline(now).nowait)

	w := newWaiter(Forever)
	assert.Nil(t, w.expired())
	w.stop()
}
