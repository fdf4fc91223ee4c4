package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixed uint64

func (f fixed) CurrentTimeMs() uint64 {
	return uint64(f)
}

func (f fixed) Now() time.Time {
	return Ms(uint64(f))
}

func TestMsAgo(t *testing.T) {
	require := require.New(t)
	c := fixed(10_000)
	require.Equal(uint64(7_000), MsAgo(c, 3*time.Second))
	require.Equal(uint64(0), MsAgo(c, time.Minute))
}

func TestUntil(t *testing.T) {
	require := require.New(t)
	c := fixed(10_000)
	require.Equal(250*time.Millisecond, Until(c, 10_250))
	require.Equal(time.Duration(0), Until(c, 9_000))
	require.Equal(time.Duration(0), Until(c, 10_000))
}

func TestSystemClockAgreesWithNow(t *testing.T) {
	require := require.New(t)
	c := NewSystemClock()
	before := time.Now().UnixMilli()
	ms := c.CurrentTimeMs()
	require.GreaterOrEqual(int64(ms), before)
	require.WithinDuration(time.Now(), Ms(ms), time.Second)
}
