package pool

import (
	"sync"
	"time"

	"github.com/pgdog-io/pgdog/pkg/doglog"
)

const banErrorThreshold = 3
const banErrorWindow = time.Minute

// BanList keeps misbehaving hosts out of load balancing rotation.
// A host is banned once it accumulates enough errors inside the
// sliding window, and released when the ban timeout expires. If every
// candidate ends up banned the list clears itself so traffic keeps
// flowing to whatever is left.
type BanList struct {
	mu sync.Mutex

	timeout time.Duration

	errors map[string][]time.Time
	banned map[string]time.Time
}

func NewBanList(timeout time.Duration) *BanList {
	return &BanList{
		timeout: timeout,
		errors:  map[string][]time.Time{},
		banned:  map[string]time.Time{},
	}
}

// ReportError records a failure for the host. Returns true when the
// report tipped the host into a ban.
func (b *BanList) ReportError(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	errs := b.errors[host]

	pruned := errs[:0]
	for _, t := range errs {
		if now.Sub(t) < banErrorWindow {
			pruned = append(pruned, t)
		}
	}
	pruned = append(pruned, now)
	b.errors[host] = pruned

	if len(pruned) >= banErrorThreshold {
		if _, already := b.banned[host]; !already {
			doglog.Zero.Warn().
				Str("host", host).
				Dur("timeout", b.timeout).
				Msg("banning host")
			b.banned[host] = now
			b.errors[host] = nil
			return true
		}
	}
	return false
}

func (b *BanList) Banned(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	since, ok := b.banned[host]
	if !ok {
		return false
	}
	if time.Since(since) >= b.timeout {
		delete(b.banned, host)
		doglog.Zero.Info().
			Str("host", host).
			Msg("ban expired")
		return false
	}
	return true
}

func (b *BanList) Unban(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.banned, host)
	delete(b.errors, host)
}

// Failsafe lifts all bans when every host in the candidate set is
// banned. Returns true if it fired.
func (b *BanList) Failsafe(hosts []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(hosts) == 0 {
		return false
	}
	for _, host := range hosts {
		if _, ok := b.banned[host]; !ok {
			return false
		}
	}

	doglog.Zero.Warn().Msg("all hosts banned, lifting all bans")
	b.banned = map[string]time.Time{}
	b.errors = map[string][]time.Time{}
	return true
}
