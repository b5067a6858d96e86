package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBanAfterThreshold(t *testing.T) {
	assert := assert.New(t)

	b := NewBanList(time.Minute)

	assert.False(b.ReportError("h1"))
	assert.False(b.ReportError("h1"))
	assert.False(b.Banned("h1"))

	assert.True(b.ReportError("h1"))
	assert.True(b.Banned("h1"))

	assert.False(b.Banned("h2"))
}

func TestBanExpires(t *testing.T) {
	assert := assert.New(t)

	b := NewBanList(10 * time.Millisecond)

	for i := 0; i < banErrorThreshold; i++ {
		b.ReportError("h1")
	}
	assert.True(b.Banned("h1"))

	time.Sleep(20 * time.Millisecond)
	assert.False(b.Banned("h1"))
}

func TestUnban(t *testing.T) {
	assert := assert.New(t)

	b := NewBanList(time.Minute)
	for i := 0; i < banErrorThreshold; i++ {
		b.ReportError("h1")
	}
	assert.True(b.Banned("h1"))

	b.Unban("h1")
	assert.False(b.Banned("h1"))
}

func TestFailsafeLiftsAllBans(t *testing.T) {
	assert := assert.New(t)

	b := NewBanList(time.Minute)
	hosts := []string{"h1", "h2"}

	for _, h := range hosts {
		for i := 0; i < banErrorThreshold; i++ {
			b.ReportError(h)
		}
	}
	assert.True(b.Banned("h1"))
	assert.True(b.Banned("h2"))

	assert.True(b.Failsafe(hosts))
	assert.False(b.Banned("h1"))
	assert.False(b.Banned("h2"))
}

func TestFailsafeNoopWhenSomeAlive(t *testing.T) {
	assert := assert.New(t)

	b := NewBanList(time.Minute)
	for i := 0; i < banErrorThreshold; i++ {
		b.ReportError("h1")
	}

	assert.False(b.Failsafe([]string{"h1", "h2"}))
	assert.True(b.Banned("h1"))
}
