package realtime

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOnlineSetKey   = "presence:online"
	defaultLastSeenKeyNS  = "presence:last_seen:"
	defaultLastSeenTTL    = 90 * time.Second
	defaultOfflineGrace   = 5 * time.Second
	defaultReaperInterval = 60 * time.Second
)

// PresenceConfig controls the Redis mirror, the offline grace window, and the
// transition callbacks.
type PresenceConfig struct {
	OnlineSetKey      string
	LastSeenKeyPrefix string
	LastSeenTTL       time.Duration
	OfflineGrace      time.Duration
	ReaperInterval    time.Duration
	OnOnline          func(userID uint)
	OnOffline         func(userID uint, lastSeen time.Time)
}

// Presence derives online/offline state from live connections. A user is
// online while any of their devices is connected; the offline transition is
// deferred by a grace window so a page refresh never flaps presence. When
// Redis is available, state is mirrored there so every instance agrees.
type Presence struct {
	rdb *redis.Client

	mu         sync.RWMutex
	connCounts map[uint]int
	graceTimer map[uint]*time.Timer
	notified   map[uint]bool

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	offlineGrace      time.Duration
	reaperInterval    time.Duration

	onOnline  func(userID uint)
	onOffline func(userID uint, lastSeen time.Time)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresence creates a tracker and starts a Redis reaper when Redis is
// available. rdb may be nil; presence then falls back to local state only.
func NewPresence(rdb *redis.Client, cfg PresenceConfig) *Presence {
	p := &Presence{
		rdb:               rdb,
		connCounts:        make(map[uint]int),
		graceTimer:        make(map[uint]*time.Timer),
		notified:          make(map[uint]bool),
		onlineSetKey:      defaultOnlineSetKey,
		lastSeenKeyPrefix: defaultLastSeenKeyNS,
		lastSeenTTL:       defaultLastSeenTTL,
		offlineGrace:      defaultOfflineGrace,
		reaperInterval:    defaultReaperInterval,
		onOnline:          cfg.OnOnline,
		onOffline:         cfg.OnOffline,
		stopCh:            make(chan struct{}),
	}

	if cfg.OnlineSetKey != "" {
		p.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		p.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		p.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGrace > 0 {
		p.offlineGrace = cfg.OfflineGrace
	}
	if cfg.ReaperInterval > 0 {
		p.reaperInterval = cfg.ReaperInterval
	}

	if p.rdb != nil && p.reaperInterval > 0 {
		go p.reaperLoop()
	}

	return p
}

// SetCallbacks replaces the transition callbacks.
func (p *Presence) SetCallbacks(onOnline func(uint), onOffline func(uint, time.Time)) {
	p.mu.Lock()
	p.onOnline = onOnline
	p.onOffline = onOffline
	p.mu.Unlock()
}

// Stop halts the reaper and cancels every pending grace timer.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		for userID, t := range p.graceTimer {
			if t != nil {
				t.Stop()
			}
			delete(p.graceTimer, userID)
		}
		p.mu.Unlock()
	})
}

// ConnectionOpened records one more device for the user. The first device
// emits the online transition; a reconnect inside the grace window cancels
// the pending offline and emits nothing.
func (p *Presence) ConnectionOpened(ctx context.Context, userID uint) {
	wasOnline := p.IsOnline(ctx, userID)

	p.mu.Lock()
	if t, ok := p.graceTimer[userID]; ok {
		t.Stop()
		delete(p.graceTimer, userID)
	}
	p.connCounts[userID]++
	p.notified[userID] = false
	p.mu.Unlock()

	p.Touch(ctx, userID)
	if !wasOnline {
		p.emitOnline(userID)
	}
}

// ConnectionClosed records one less device. The last device arms the grace
// timer instead of going offline immediately.
func (p *Presence) ConnectionClosed(ctx context.Context, userID uint) {
	p.mu.Lock()
	if n, ok := p.connCounts[userID]; ok {
		n--
		if n > 0 {
			p.connCounts[userID] = n
			p.mu.Unlock()
			return
		}
		delete(p.connCounts, userID)
	}

	if t, ok := p.graceTimer[userID]; ok {
		t.Stop()
	}
	p.graceTimer[userID] = time.AfterFunc(p.offlineGrace, func() {
		p.finalizeOffline(context.Background(), userID)
	})
	p.mu.Unlock()
}

// Touch refreshes the user's Redis presence keys.
func (p *Presence) Touch(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.SAdd(ctx, p.onlineSetKey, uid).Err(); err != nil {
		log.Printf("presence touch SADD failed for user %d: %v", userID, err)
	}
	if err := p.rdb.SetEx(ctx, p.lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), p.lastSeenTTL).Err(); err != nil {
		log.Printf("presence touch SETEX failed for user %d: %v", userID, err)
	}
}

// IsOnline reports whether the user is online here or, failing that, on any
// instance according to Redis.
func (p *Presence) IsOnline(ctx context.Context, userID uint) bool {
	p.mu.RLock()
	if p.connCounts[userID] > 0 {
		p.mu.RUnlock()
		return true
	}
	p.mu.RUnlock()

	if p.rdb == nil {
		return false
	}

	exists, err := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// OnlineUserIDs returns online users from Redis with stale entries filtered
// out, unioned with local connections as a fallback.
func (p *Presence) OnlineUserIDs(ctx context.Context) []uint {
	local := p.localUserIDs()
	if p.rdb == nil {
		return local
	}

	members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[uint]struct{}, len(members)+len(local))
	result := make([]uint, 0, len(members)+len(local))

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		exists, existsErr := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if existsErr != nil {
			continue
		}
		if exists == 0 {
			_ = p.rdb.SRem(ctx, p.onlineSetKey, raw).Err()
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}

	for _, userID := range local {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}

	return result
}

// reapOnce performs one cleanup pass over the Redis online set.
func (p *Presence) reapOnce(ctx context.Context) {
	if p.rdb == nil {
		return
	}

	members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
	if err != nil {
		return
	}

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		exists, existsErr := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if existsErr != nil {
			continue
		}
		if exists > 0 {
			continue
		}

		_ = p.rdb.SRem(ctx, p.onlineSetKey, raw).Err()

		p.mu.RLock()
		hasLocal := p.connCounts[userID] > 0
		p.mu.RUnlock()
		if !hasLocal {
			p.emitOffline(userID)
		}
	}
}

func (p *Presence) reaperLoop() {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(ctx)
		}
	}
}

func (p *Presence) finalizeOffline(ctx context.Context, userID uint) {
	p.mu.Lock()
	if p.connCounts[userID] > 0 {
		delete(p.graceTimer, userID)
		p.mu.Unlock()
		return
	}
	delete(p.graceTimer, userID)
	p.mu.Unlock()

	if p.rdb != nil {
		exists, err := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if err == nil && exists > 0 {
			// Another instance still holds a connection for this user.
			return
		}
		_ = p.rdb.SRem(ctx, p.onlineSetKey, strconv.FormatUint(uint64(userID), 10)).Err()
	}

	p.emitOffline(userID)
}

func (p *Presence) emitOnline(userID uint) {
	p.mu.Lock()
	p.notified[userID] = false
	cb := p.onOnline
	p.mu.Unlock()

	observability.PresenceTransitions.WithLabelValues("online").Inc()
	if cb != nil {
		cb(userID)
	}
}

func (p *Presence) emitOffline(userID uint) {
	p.mu.Lock()
	if p.notified[userID] {
		p.mu.Unlock()
		return
	}
	p.notified[userID] = true
	cb := p.onOffline
	p.mu.Unlock()

	observability.PresenceTransitions.WithLabelValues("offline").Inc()
	if cb != nil {
		cb(userID, time.Now().UTC())
	}
}

func (p *Presence) localUserIDs() []uint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]uint, 0, len(p.connCounts))
	for userID, count := range p.connCounts {
		if count > 0 {
			ids = append(ids, userID)
		}
	}
	return ids
}

func (p *Presence) lastSeenKey(userID uint) string {
	return p.lastSeenKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}
