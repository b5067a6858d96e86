package txstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	assert := assert.New(t)
	cases := map[TXStatus]string{
		TXStatus(73): "IDLE",
		TXStatus(69): "ERROR",
		TXStatus(84): "ACTIVE",
		TXStatus(1):  "INTERNAL STATE",
		TXStatus(0):  "invalid",
	}
	for status, expect := range cases {
		assert.Equal(expect, status.String())
	}
}

func TestMostSevere(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(TXIDLE, MostSevere(nil))
	assert.Equal(TXIDLE, MostSevere([]TXStatus{TXIDLE, TXIDLE}))
	assert.Equal(TXACT, MostSevere([]TXStatus{TXIDLE, TXACT, TXIDLE}))
	assert.Equal(TXERR, MostSevere([]TXStatus{TXACT, TXERR, TXIDLE}))
	assert.Equal(TXERR, MostSevere([]TXStatus{TXERR}))
}
