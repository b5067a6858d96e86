package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio/go-tdigest"
)

type StatisticsType string

const (
	Router = StatisticsType("router")
	Shard  = StatisticsType("shard")
)

type startTimes struct {
	RouterStart time.Time
	ShardStart  time.Time
}

type statistics struct {
	mu sync.Mutex

	RouterTime map[uint]*tdigest.TDigest
	ShardTime  map[uint]*tdigest.TDigest
	TimeData   map[uint]*startTimes
	Quantiles  []float64
}

var queryStatistics = statistics{
	RouterTime: make(map[uint]*tdigest.TDigest),
	ShardTime:  make(map[uint]*tdigest.TDigest),
	TimeData:   make(map[uint]*startTimes),
}

/* pooler-wide counters, surfaced by SHOW STATS */

var (
	totalXacts       atomic.Int64
	totalQueries     atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	outOfSync        atomic.Int64
	autoRollbacks    atomic.Int64
	checkoutTimeouts atomic.Int64
)

func IncTotalXacts()             { totalXacts.Add(1) }
func IncTotalQueries()           { totalQueries.Add(1) }
func AddBytesSent(n int64)       { bytesSent.Add(n) }
func AddBytesReceived(n int64)   { bytesReceived.Add(n) }
func IncOutOfSync()              { outOfSync.Add(1) }
func IncAutoRollbacks()          { autoRollbacks.Add(1) }
func IncCheckoutTimeouts()       { checkoutTimeouts.Add(1) }

// Snapshot is a copy of the pooler-wide counters.
type Snapshot struct {
	TotalXacts       int64
	TotalQueries     int64
	BytesSent        int64
	BytesReceived    int64
	OutOfSync        int64
	AutoRollbacks    int64
	CheckoutTimeouts int64
}

func Totals() Snapshot {
	return Snapshot{
		TotalXacts:       totalXacts.Load(),
		TotalQueries:     totalQueries.Load(),
		BytesSent:        bytesSent.Load(),
		BytesReceived:    bytesReceived.Load(),
		OutOfSync:        outOfSync.Load(),
		AutoRollbacks:    autoRollbacks.Load(),
		CheckoutTimeouts: checkoutTimeouts.Load(),
	}
}

func SetQuantiles(q []float64) {
	queryStatistics.mu.Lock()
	defer queryStatistics.mu.Unlock()
	queryStatistics.Quantiles = q
}

func GetQuantiles() []float64 {
	queryStatistics.mu.Lock()
	defer queryStatistics.mu.Unlock()
	return queryStatistics.Quantiles
}

// RecordStartTime marks the start of query processing for the client,
// either at the router (message received) or at the shard (query
// forwarded).
func RecordStartTime(tip StatisticsType, t time.Time, client uint) {
	queryStatistics.mu.Lock()
	defer queryStatistics.mu.Unlock()

	if queryStatistics.TimeData[client] == nil {
		queryStatistics.TimeData[client] = &startTimes{}
	}
	switch tip {
	case Router:
		queryStatistics.TimeData[client].RouterStart = t
	case Shard:
		queryStatistics.TimeData[client].ShardStart = t
	}
}

func RecordFinishedTransaction(t time.Time, client uint) {
	queryStatistics.mu.Lock()
	defer queryStatistics.mu.Unlock()

	if queryStatistics.TimeData[client] == nil {
		return
	}
	if queryStatistics.RouterTime[client] == nil {
		queryStatistics.RouterTime[client], _ = tdigest.New()
	}
	if queryStatistics.ShardTime[client] == nil {
		queryStatistics.ShardTime[client], _ = tdigest.New()
	}
	_ = queryStatistics.RouterTime[client].Add(float64(t.Sub(queryStatistics.TimeData[client].RouterStart).Microseconds()) / 1000)
	_ = queryStatistics.ShardTime[client].Add(float64(t.Sub(queryStatistics.TimeData[client].ShardStart).Microseconds()) / 1000)

	totalXacts.Add(1)
}

func GetClientTimeStatistics(tip StatisticsType, client uint) *tdigest.TDigest {
	queryStatistics.mu.Lock()
	defer queryStatistics.mu.Unlock()

	var stat *tdigest.TDigest
	switch tip {
	case Router:
		stat = queryStatistics.RouterTime[client]
	case Shard:
		stat = queryStatistics.ShardTime[client]
	}

	if stat == nil {
		stat, _ = tdigest.New()
	}
	return stat
}

// DropClient releases per-client digests when a session closes.
func DropClient(client uint) {
	queryStatistics.mu.Lock()
	defer queryStatistics.mu.Unlock()

	delete(queryStatistics.RouterTime, client)
	delete(queryStatistics.ShardTime, client)
	delete(queryStatistics.TimeData, client)
}
