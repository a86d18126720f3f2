package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned when the session key does not exist in the
// document store (never created, or expired).
var ErrSessionNotFound = errors.New("session not found")

const keyPrefix = "portfolio:"

// SessionKey returns the document store key for a session id
func SessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

// Lua scripts wrapping RedisJSON path commands. Multi-step mutations run
// server-side so no two concurrent writers can interleave their
// read/modify/write phases. Each mutation refreshes the key TTL.

// beginAnalysisScript sets current_analysis and last_activity, then returns
// the full post-mutation document. The returned JSON is the snapshot all
// metric kernels of the run compute against.
// KEYS[1] = portfolio:<session_id>
// ARGV[1] = current_analysis object, ARGV[2] = quoted timestamp, ARGV[3] = TTL seconds
const beginAnalysisScript = `
local exists = redis.call('JSON.TYPE', KEYS[1], '$')
if not exists or exists[1] == false then return nil end

redis.call('JSON.SET', KEYS[1], '$.current_analysis', ARGV[1])
redis.call('JSON.SET', KEYS[1], '$.last_activity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return redis.call('JSON.GET', KEYS[1])
`

// appendResultScript appends one metric result via JSON.ARRAPPEND, an O(1)
// path append that never deserializes the existing array.
// KEYS[1] = portfolio:<session_id>
// ARGV[1] = result object, ARGV[2] = quoted timestamp, ARGV[3] = TTL seconds
const appendResultScript = `
local exists = redis.call('JSON.TYPE', KEYS[1], '$')
if not exists or exists[1] == false then return nil end

redis.call('JSON.ARRAPPEND', KEYS[1], '$.analysis_results', ARGV[1])
redis.call('JSON.SET', KEYS[1], '$.last_activity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return redis.call('JSON.GET', KEYS[1])
`

// marketUpdateScript recomputes total_value from new prices. Reads only
// $.holdings rather than the whole document, sums shares*price in-script,
// and writes the new total in the same atomic step.
// KEYS[1] = portfolio:<session_id>
// ARGV[1] = ticker->price object, ARGV[2] = quoted timestamp, ARGV[3] = TTL seconds
const marketUpdateScript = `
local raw_holdings = redis.call('JSON.GET', KEYS[1], '$.holdings')
if not raw_holdings then return nil end

local holdings = cjson.decode(raw_holdings)[1]
local prices = cjson.decode(ARGV[1])

local total = 0
for ticker, shares in pairs(holdings) do
    local price = prices[ticker]
    if price then
        total = total + (price * shares)
    end
end

redis.call('JSON.SET', KEYS[1], '$.total_value', tostring(total))
redis.call('JSON.SET', KEYS[1], '$.last_activity', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return redis.call('JSON.GET', KEYS[1])
`

// StateGateway is the only component that issues mutations against the
// document store. Scripts are loaded once at bootstrap and invoked by SHA;
// a NOSCRIPT reply triggers one re-registration and one retry.
type StateGateway struct {
	store *RedisStore
	ttl   int // session TTL in seconds, refreshed by every mutation

	beginAnalysis *redis.Script
	appendResult  *redis.Script
	marketUpdate  *redis.Script
}

// NewStateGateway creates a gateway over the given store. ttlSeconds is the
// configured session TTL applied on every mutation.
func NewStateGateway(store *RedisStore, ttlSeconds int) *StateGateway {
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	return &StateGateway{
		store:         store,
		ttl:           ttlSeconds,
		beginAnalysis: redis.NewScript(beginAnalysisScript),
		appendResult:  redis.NewScript(appendResultScript),
		marketUpdate:  redis.NewScript(marketUpdateScript),
	}
}

// RegisterScripts loads all Lua scripts into the script cache. Called once at
// startup; failure here is fatal for the process.
func (g *StateGateway) RegisterScripts(ctx context.Context) error {
	scripts := map[string]*redis.Script{
		"begin_analysis": g.beginAnalysis,
		"append_result":  g.appendResult,
		"market_update":  g.marketUpdate,
	}
	for name, script := range scripts {
		if err := script.Load(ctx, g.store.Client()).Err(); err != nil {
			return fmt.Errorf("loading %s script: %w", name, err)
		}
	}
	return nil
}

// evalScript invokes a registered script by SHA. If the script cache was
// flushed since startup, it re-registers and retries exactly once.
func (g *StateGateway) evalScript(ctx context.Context, script *redis.Script, key string, args ...interface{}) (string, error) {
	raw, err := script.EvalSha(ctx, g.store.Client(), []string{key}, args...).Text()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		if loadErr := script.Load(ctx, g.store.Client()).Err(); loadErr != nil {
			return "", fmt.Errorf("re-registering script: %w", loadErr)
		}
		raw, err = script.EvalSha(ctx, g.store.Client(), []string{key}, args...).Text()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	return raw, nil
}

// Ensure creates the session document if absent (JSON.SET NX), refreshes the
// TTL, and returns the stored document. A stale key of a different type left
// by a previous run is replaced.
func (g *StateGateway) Ensure(ctx context.Context, sessionID string, initial []byte) ([]byte, error) {
	client := g.store.Client()
	key := SessionKey(sessionID)

	err := client.Do(ctx, "JSON.SET", key, "$", string(initial), "NX").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if !isWrongTypeErr(err) {
			return nil, fmt.Errorf("creating session %s: %w", sessionID, err)
		}
		if err := client.Del(ctx, key).Err(); err != nil {
			return nil, fmt.Errorf("replacing stale key for session %s: %w", sessionID, err)
		}
		if err := client.Do(ctx, "JSON.SET", key, "$", string(initial)).Err(); err != nil {
			return nil, fmt.Errorf("creating session %s: %w", sessionID, err)
		}
	}

	if err := client.Expire(ctx, key, g.ttlDuration()).Err(); err != nil {
		return nil, fmt.Errorf("refreshing TTL for session %s: %w", sessionID, err)
	}

	raw, err := client.Do(ctx, "JSON.GET", key).Text()
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	return []byte(raw), nil
}

// Read returns the full session document and refreshes the TTL
func (g *StateGateway) Read(ctx context.Context, sessionID string) ([]byte, error) {
	client := g.store.Client()
	key := SessionKey(sessionID)

	raw, err := client.Do(ctx, "JSON.GET", key).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	if err := client.Expire(ctx, key, g.ttlDuration()).Err(); err != nil {
		return nil, fmt.Errorf("refreshing TTL for session %s: %w", sessionID, err)
	}
	return []byte(raw), nil
}

// BeginAnalysis atomically marks an analysis as started and returns the full
// post-mutation document snapshot.
func (g *StateGateway) BeginAnalysis(ctx context.Context, sessionID string, current, activity []byte) ([]byte, error) {
	raw, err := g.evalScript(ctx, g.beginAnalysis, SessionKey(sessionID), current, activity, g.ttl)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("begin analysis for session %s: %w", sessionID, err)
	}
	return []byte(raw), nil
}

// AppendResult atomically appends one result record to analysis_results and
// advances last_activity.
func (g *StateGateway) AppendResult(ctx context.Context, sessionID string, result, activity []byte) error {
	_, err := g.evalScript(ctx, g.appendResult, SessionKey(sessionID), result, activity, g.ttl)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("append result for session %s: %w", sessionID, err)
	}
	return nil
}

// ApplyMarketUpdate atomically recomputes total_value from the given prices
func (g *StateGateway) ApplyMarketUpdate(ctx context.Context, sessionID string, prices, activity []byte) error {
	_, err := g.evalScript(ctx, g.marketUpdate, SessionKey(sessionID), prices, activity, g.ttl)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("market update for session %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns the ids of all live sessions
func (g *StateGateway) ListSessions(ctx context.Context) ([]string, error) {
	client := g.store.Client()

	var sessionIDs []string
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning session keys: %w", err)
		}
		for _, key := range keys {
			sessionIDs = append(sessionIDs, strings.TrimPrefix(key, keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sessionIDs, nil
}

func (g *StateGateway) ttlDuration() time.Duration {
	return time.Duration(g.ttl) * time.Second
}

// isWrongTypeErr matches a stale key holding a non-JSON value; Redis and the
// JSON module spell the error differently.
func isWrongTypeErr(err error) bool {
	return strings.Contains(err.Error(), "WRONGTYPE") ||
		strings.Contains(err.Error(), "wrong Redis type")
}
