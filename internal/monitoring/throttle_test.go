package monitoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_SuppressesWithinWindow(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	now := time.Unix(100, 0)
	th := NewThrottle(time.Second)
	th.now = func() time.Time { return now }

	assert.True(t, th.Logf("stale", "dropped sweep %d", 1))
	assert.False(t, th.Logf("stale", "dropped sweep %d", 2))
	assert.False(t, th.Logf("stale", "dropped sweep %d", 3))
	assert.True(t, th.Logf("other", "other key"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, th.Logf("stale", "dropped sweep %d", 4))

	assert.Equal(t, []string{
		"dropped sweep 1",
		"other key",
		"dropped sweep 4 (2 similar suppressed)",
	}, lines)
}
