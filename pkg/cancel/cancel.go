package cancel

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/spaolacci/murmur3"
)

const bucketCount = 16

// Key is the BackendKeyData pair handed to a client at startup.
// Cancel requests arrive on fresh connections carrying only this
// pair, so lookups happen outside any session context.
type Key struct {
	PID    uint32
	Secret uint32
}

type bucket struct {
	mu sync.Mutex
	m  map[Key]func() error
}

// Registry maps issued cancel keys to the cancel action of the owning
// session. Sharded by key hash to keep cancel traffic off a single
// mutex.
type Registry struct {
	buckets [bucketCount]bucket
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.buckets {
		r.buckets[i].m = map[Key]func() error{}
	}
	return r
}

func (r *Registry) bucketFor(key Key) *bucket {
	var raw [8]byte
	binary.BigEndian.PutUint32(raw[0:], key.PID)
	binary.BigEndian.PutUint32(raw[4:], key.Secret)
	return &r.buckets[murmur3.Sum32(raw[:])%bucketCount]
}

// IssueKey generates a fresh random key pair for a new client.
func IssueKey() (Key, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return Key{}, err
	}
	return Key{
		PID:    binary.BigEndian.Uint32(raw[0:]),
		Secret: binary.BigEndian.Uint32(raw[4:]),
	}, nil
}

func (r *Registry) Register(key Key, cancelFn func() error) {
	b := r.bucketFor(key)
	b.mu.Lock()
	b.m[key] = cancelFn
	b.mu.Unlock()
}

func (r *Registry) Unregister(key Key) {
	b := r.bucketFor(key)
	b.mu.Lock()
	delete(b.m, key)
	b.mu.Unlock()
}

// Cancel fires the registered action for the key. Unknown keys are
// ignored silently, as the server does for stale cancel requests.
func (r *Registry) Cancel(key Key) error {
	b := r.bucketFor(key)
	b.mu.Lock()
	fn, ok := b.m[key]
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return fn()
}
