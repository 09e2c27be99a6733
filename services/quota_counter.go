package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/dto"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/redis/go-redis/v9"
)

const (
	QUOTA_COUNTER_SVC = "quota_counter_svc"

	defaultQuotaKeyPrefix = "quota:"

	// cycleSafetyMargin keeps counters alive past the cycle end in case reconciliation is late.
	cycleSafetyMargin = 24 * time.Hour

	WarningThresholdApproaching = 80
	WarningThresholdExhausted   = 100
)

// QuotaCounterService owns every per-tenant quota key in Redis. All errors it
// returns are *shared.StoreError.
type QuotaCounterService struct {
	appContext.DefaultService

	client    redis.Cmdable
	keyPrefix string
}

// CycleRollover is what the compare-and-swap reset observed.
type CycleRollover struct {
	Swapped      bool
	CurrentStart time.Time
	HasCurrent   bool
	RequestsUsed int64
	TokensUsed   float64
}

func NewQuotaCounterService(client redis.Cmdable, keyPrefix string) *QuotaCounterService {
	if keyPrefix == "" {
		keyPrefix = defaultQuotaKeyPrefix
	}
	return &QuotaCounterService{client: client, keyPrefix: keyPrefix}
}

func (svc QuotaCounterService) Id() string {
	return QUOTA_COUNTER_SVC
}

func (svc *QuotaCounterService) Configure(ctx *appContext.Context) error {
	svc.keyPrefix = getEnvString("QUOTA_KEY_PREFIX", defaultQuotaKeyPrefix)
	return svc.DefaultService.Configure(ctx)
}

func (svc *QuotaCounterService) Start() error {
	svc.client = svc.Service(REDIS_SVC).(*RedisService).GetClient()
	return nil
}

func (svc *QuotaCounterService) requestsKey(tenantID string) string {
	return svc.keyPrefix + tenantID + ":requests"
}

func (svc *QuotaCounterService) tokensKey(tenantID string) string {
	return svc.keyPrefix + tenantID + ":tokens"
}

func (svc *QuotaCounterService) cycleStartKey(tenantID string) string {
	return svc.keyPrefix + tenantID + ":cycle_start"
}

func (svc *QuotaCounterService) configKey(tenantID string) string {
	return svc.keyPrefix + tenantID + ":config"
}

func (svc *QuotaCounterService) warningKey(tenantID string, threshold int) string {
	return fmt.Sprintf("%s%s:warned:%d", svc.keyPrefix, tenantID, threshold)
}

// ensureTTLScript expires only keys that exist without an expiry, so a running
// cycle never has its deadline pushed out.
// KEYS = counter keys
// ARGV[1] = ttl seconds
var ensureTTLScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local set = 0
for _, key in ipairs(KEYS) do
    if redis.call("TTL", key) == -1 then
        redis.call("EXPIRE", key, ttl)
        set = set + 1
    end
end
return set
`)

// rolloverScript resets a cycle only if the marker still holds the start the
// caller observed.
// KEYS[1] = requests, KEYS[2] = tokens, KEYS[3] = cycle_start
// KEYS[4] = warned:80, KEYS[5] = warned:100, KEYS[6] = config
// ARGV[1] = expected cycle start, ARGV[2] = new cycle start, ARGV[3] = ttl seconds
//
// Returns {1, old_start, requests, tokens} on reset, {0, current_start} otherwise.
var rolloverScript = redis.NewScript(`
local current = redis.call("GET", KEYS[3])
if current ~= ARGV[1] then
    return {0, current or ""}
end
local requests = redis.call("GET", KEYS[1]) or "0"
local tokens = redis.call("GET", KEYS[2]) or "0"
redis.call("SET", KEYS[1], "0", "EX", ARGV[3])
redis.call("SET", KEYS[2], "0", "EX", ARGV[3])
redis.call("SET", KEYS[3], ARGV[2], "EX", ARGV[3])
redis.call("DEL", KEYS[4], KEYS[5], KEYS[6])
return {1, current, requests, tokens}
`)

func ttlSeconds(ttl time.Duration) int64 {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// cycleTTL is the remaining cycle time plus the safety margin.
func cycleTTL(cycleStart time.Time, period time.Duration, now time.Time) time.Duration {
	ttl := cycleStart.Add(period).Sub(now) + cycleSafetyMargin
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func formatCycleStart(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseCycleStart(value string) (time.Time, error) {
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}

func parseOptionalString(value interface{}) (string, bool, error) {
	switch v := value.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	default:
		return "", false, fmt.Errorf("unexpected value type %T", value)
	}
}

func (svc *QuotaCounterService) IncrementRequests(ctx context.Context, tenantID string, amount int64) (int64, error) {
	value, err := svc.client.IncrBy(ctx, svc.requestsKey(tenantID), amount).Result()
	if err != nil {
		return 0, shared.NewCacheError("increment_requests", err)
	}
	return value, nil
}

func (svc *QuotaCounterService) IncrementTokens(ctx context.Context, tenantID string, amount float64) (float64, error) {
	value, err := svc.client.IncrByFloat(ctx, svc.tokensKey(tenantID), amount).Result()
	if err != nil {
		return 0, shared.NewCacheError("increment_tokens", err)
	}
	return value, nil
}

// Read fetches both counters and the cycle marker in one MGET.
func (svc *QuotaCounterService) Read(ctx context.Context, tenantID string) (*dto.CounterState, error) {
	values, err := svc.client.MGet(ctx, svc.requestsKey(tenantID), svc.tokensKey(tenantID), svc.cycleStartKey(tenantID)).Result()
	if err != nil {
		return nil, shared.NewCacheError("read_counters", err)
	}
	if len(values) != 3 {
		return nil, shared.NewCorruptCacheError("read_counters", fmt.Errorf("expected 3 values, got %d", len(values)))
	}

	state := &dto.CounterState{}

	if raw, ok, err := parseOptionalString(values[0]); err != nil {
		return nil, shared.NewCorruptCacheError("read_counters", err)
	} else if ok {
		if state.RequestsUsed, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, shared.NewCorruptCacheError("read_counters", fmt.Errorf("requests counter: %w", err))
		}
	}

	if raw, ok, err := parseOptionalString(values[1]); err != nil {
		return nil, shared.NewCorruptCacheError("read_counters", err)
	} else if ok {
		if state.TokensUsed, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, shared.NewCorruptCacheError("read_counters", fmt.Errorf("tokens counter: %w", err))
		}
	}

	if raw, ok, err := parseOptionalString(values[2]); err != nil {
		return nil, shared.NewCorruptCacheError("read_counters", err)
	} else if ok {
		if state.CycleStart, err = parseCycleStart(raw); err != nil {
			return nil, shared.NewCorruptCacheError("read_counters", fmt.Errorf("cycle start: %w", err))
		}
		state.HasCycle = true
	}

	return state, nil
}

func (svc *QuotaCounterService) EnsureTTL(ctx context.Context, tenantID string, ttl time.Duration) error {
	keys := []string{svc.requestsKey(tenantID), svc.tokensKey(tenantID), svc.cycleStartKey(tenantID)}
	if err := ensureTTLScript.Run(ctx, svc.client, keys, ttlSeconds(ttl)).Err(); err != nil {
		return shared.NewCacheError("ensure_ttl", err)
	}
	return nil
}

func (svc *QuotaCounterService) GetCycleStart(ctx context.Context, tenantID string) (time.Time, bool, error) {
	raw, err := svc.client.Get(ctx, svc.cycleStartKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, shared.NewCacheError("get_cycle_start", err)
	}
	start, err := parseCycleStart(raw)
	if err != nil {
		return time.Time{}, false, shared.NewCorruptCacheError("get_cycle_start", err)
	}
	return start, true, nil
}

// InitCycleStart creates the marker if it is missing and returns whichever
// value ended up stored.
func (svc *QuotaCounterService) InitCycleStart(ctx context.Context, tenantID string, start time.Time, ttl time.Duration) (time.Time, error) {
	set, err := svc.client.SetNX(ctx, svc.cycleStartKey(tenantID), formatCycleStart(start), time.Duration(ttlSeconds(ttl))*time.Second).Result()
	if err != nil {
		return time.Time{}, shared.NewCacheError("init_cycle_start", err)
	}
	if set {
		return time.Unix(start.Unix(), 0).UTC(), nil
	}

	existing, ok, err := svc.GetCycleStart(ctx, tenantID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		// Expired between SETNX and GET; the caller's start is as good as any.
		return time.Unix(start.Unix(), 0).UTC(), nil
	}
	return existing, nil
}

// RolloverCycle atomically closes the cycle that started at expected. Only one
// caller per cycle sees Swapped == true.
func (svc *QuotaCounterService) RolloverCycle(ctx context.Context, tenantID string, expected, newStart time.Time, ttl time.Duration) (*CycleRollover, error) {
	keys := []string{
		svc.requestsKey(tenantID),
		svc.tokensKey(tenantID),
		svc.cycleStartKey(tenantID),
		svc.warningKey(tenantID, WarningThresholdApproaching),
		svc.warningKey(tenantID, WarningThresholdExhausted),
		svc.configKey(tenantID),
	}

	raw, err := rolloverScript.Run(ctx, svc.client, keys, formatCycleStart(expected), formatCycleStart(newStart), ttlSeconds(ttl)).Slice()
	if err != nil {
		return nil, shared.NewCacheError("rollover_cycle", err)
	}
	if len(raw) < 2 {
		return nil, shared.NewCorruptCacheError("rollover_cycle", fmt.Errorf("unexpected script result %v", raw))
	}

	swapped, _ := raw[0].(int64)
	current, _ := raw[1].(string)
	outcome := &CycleRollover{Swapped: swapped == 1}

	if !outcome.Swapped {
		if current != "" {
			start, err := parseCycleStart(current)
			if err != nil {
				return nil, shared.NewCorruptCacheError("rollover_cycle", err)
			}
			outcome.CurrentStart = start
			outcome.HasCurrent = true
		}
		return outcome, nil
	}

	if len(raw) != 4 {
		return nil, shared.NewCorruptCacheError("rollover_cycle", fmt.Errorf("unexpected script result %v", raw))
	}
	outcome.CurrentStart = time.Unix(newStart.Unix(), 0).UTC()
	outcome.HasCurrent = true

	// Counters are already reset at this point, so unreadable old values are reported as zero.
	if requests, ok := raw[2].(string); ok {
		outcome.RequestsUsed, _ = strconv.ParseInt(requests, 10, 64)
	}
	if tokens, ok := raw[3].(string); ok {
		outcome.TokensUsed, _ = strconv.ParseFloat(tokens, 64)
	}
	return outcome, nil
}

// MarkWarning returns true only for the first caller per threshold per cycle.
func (svc *QuotaCounterService) MarkWarning(ctx context.Context, tenantID string, threshold int, ttl time.Duration) (bool, error) {
	set, err := svc.client.SetNX(ctx, svc.warningKey(tenantID, threshold), "1", time.Duration(ttlSeconds(ttl))*time.Second).Result()
	if err != nil {
		return false, shared.NewCacheError("mark_warning", err)
	}
	return set, nil
}

// LoadConfig reads the cached limits and the cycle marker together. Either may be nil.
func (svc *QuotaCounterService) LoadConfig(ctx context.Context, tenantID string) (*dto.QuotaLimits, *time.Time, error) {
	values, err := svc.client.MGet(ctx, svc.configKey(tenantID), svc.cycleStartKey(tenantID)).Result()
	if err != nil {
		return nil, nil, shared.NewCacheError("load_config", err)
	}
	if len(values) != 2 {
		return nil, nil, shared.NewCorruptCacheError("load_config", fmt.Errorf("expected 2 values, got %d", len(values)))
	}

	var limits *dto.QuotaLimits
	if raw, ok, err := parseOptionalString(values[0]); err != nil {
		return nil, nil, shared.NewCorruptCacheError("load_config", err)
	} else if ok {
		limits = &dto.QuotaLimits{}
		if err := shared.JSONUnmarshal([]byte(raw), limits); err != nil {
			return nil, nil, shared.NewCorruptCacheError("load_config", fmt.Errorf("config blob: %w", err))
		}
	}

	var cycleStart *time.Time
	if raw, ok, err := parseOptionalString(values[1]); err != nil {
		return nil, nil, shared.NewCorruptCacheError("load_config", err)
	} else if ok {
		start, err := parseCycleStart(raw)
		if err != nil {
			return nil, nil, shared.NewCorruptCacheError("load_config", fmt.Errorf("cycle start: %w", err))
		}
		cycleStart = &start
	}

	return limits, cycleStart, nil
}

func (svc *QuotaCounterService) StoreConfig(ctx context.Context, tenantID string, limits dto.QuotaLimits, ttl time.Duration) error {
	data, err := shared.JSONMarshal(limits)
	if err != nil {
		return shared.NewCorruptCacheError("store_config", err)
	}
	if err := svc.client.Set(ctx, svc.configKey(tenantID), data, ttl).Err(); err != nil {
		return shared.NewCacheError("store_config", err)
	}
	return nil
}

func (svc *QuotaCounterService) DeleteConfig(ctx context.Context, tenantID string) error {
	if err := svc.client.Del(ctx, svc.configKey(tenantID)).Err(); err != nil {
		return shared.NewCacheError("delete_config", err)
	}
	return nil
}

func (svc *QuotaCounterService) Ping(ctx context.Context) error {
	if err := svc.client.Ping(ctx).Err(); err != nil {
		return shared.NewCacheError("ping", err)
	}
	return nil
}
