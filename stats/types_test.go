package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{90 * time.Second, "00:01:30"},
		{90 * time.Minute, "01:30:00"},
		{25 * time.Hour, "25:00:00"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FormatDuration(c.d))
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "0.0", FormatRate(0))
	assert.Equal(t, "42.6", FormatRate(42.56))
}
