package minired

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// this is used so it can be overridden in testing
var nowFunc = time.Now

var ErrSweeperRunning = errors.New("active expiry sweeper is already running")

const (
	sweepInterval   = time.Second
	sweepSampleSize = 20
	// a cycle keeps sampling while more than a quarter of a sample was expired
	sweepContinueRate = 0.25
)

// ExpiryManager owns both expiry paths: the passive check the executor runs
// on key access, and the background sweeper that samples random keys once a
// second to reclaim memory from keys no client touches.
type ExpiryManager struct {
	store *Store
	log   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewExpiryManager(store *Store, log zerolog.Logger) *ExpiryManager {
	return &ExpiryManager{store: store, log: log}
}

// CheckAndRemoveExpired deletes the key if its deadline has passed and
// reports whether it did. The caller must hold the store lock.
func (m *ExpiryManager) CheckAndRemoveExpired(key string) bool {
	deadline, ok := m.store.Deadline(key)
	if !ok {
		return false
	}

	if nowFunc().Before(deadline) {
		return false
	}

	m.store.Delete(key)
	return true
}

// Start spawns the sweeper goroutine. It fails if the sweeper is already
// running.
func (m *ExpiryManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrSweeperRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})

	m.log.Info().Msg("starting active expiry sweeper")
	go m.run(ctx, m.done)

	return nil
}

// Stop cancels the sweeper and waits for it to exit. It is a no-op if the
// sweeper is not running.
func (m *ExpiryManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.cancel()
	<-m.done

	m.running = false
	m.cancel = nil
	m.done = nil

	m.log.Info().Msg("active expiry sweeper stopped")
}

func (m *ExpiryManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one active expiry cycle: sample up to sweepSampleSize distinct
// keys, expire the dead ones, and repeat immediately while the deletion rate
// stays above sweepContinueRate. A low rate means diminishing returns, so
// the sweeper yields until the next tick.
func (m *ExpiryManager) sweep(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		m.store.Lock()
		keys := m.store.Keys()
		m.store.Unlock()

		if len(keys) == 0 {
			return
		}

		n := sweepSampleSize
		if len(keys) < n {
			n = len(keys)
		}

		deleted := 0
		for _, i := range rand.Perm(len(keys))[:n] {
			m.store.Lock()
			if m.CheckAndRemoveExpired(keys[i]) {
				deleted++
			}
			m.store.Unlock()
		}

		if deleted > 0 {
			m.log.Debug().Int("sampled", n).Int("deleted", deleted).Msg("expiry sweep")
		}

		if float64(deleted)/float64(n) <= sweepContinueRate {
			return
		}
	}
}
