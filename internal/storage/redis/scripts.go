package redis

// Script results are integer codes so callers can map them to storage errors.
const (
	resultOK       = 1
	resultConflict = 0
	resultMissing  = -1
	resultClosed   = -2
)

const (
	// createSessionScript stores a new session and claims the user's active slot.
	// Returns 1 on success, 0 if the user already has an open session,
	// -1 if the session id is taken.
	createSessionScript = `
local session_key = KEYS[1]     -- focus:session:{sessionID}
local user_key = KEYS[2]        -- focus:sessions:user:{userID}

if redis.call('EXISTS', session_key) == 1 then
  return -1
end

if redis.call('EXISTS', user_key) == 1 then
  return 0
end

redis.call('HSET', session_key,
  'id', ARGV[1],
  'user_id', ARGV[2],
  'start_time', ARGV[3],
  'duration_seconds', ARGV[4],
  'timezone', ARGV[5],
  'status', ARGV[6],
  'last_heartbeat_at', ARGV[7],
  'heartbeat_count', 0,
  'drift_amount_ms', 0,
  'drift_flags', 0,
  'clean_heartbeats', 0,
  'end_time', '',
  'elapsed_ms', 0,
  'streak_applied', '0',
  'version', 1
)
redis.call('SET', user_key, ARGV[1])

return 1
`

	// updateSessionScript writes the mutable session fields if the stored
	// version matches. Closing a session releases the user's active slot,
	// queues completed sessions for streak application and sets a 90 day TTL.
	// Returns 1 on success, 0 on version conflict, -1 if missing, -2 if closed.
	updateSessionScript = `
local session_key = KEYS[1]     -- focus:session:{sessionID}
local user_key = KEYS[2]        -- focus:sessions:user:{userID}
local pending_set = KEYS[3]     -- focus:sessions:pending_streak

local expected_version = ARGV[1]
local status = ARGV[2]
local session_id = ARGV[10]
local ttl_seconds = tonumber(ARGV[11])

local current = redis.call('HMGET', session_key, 'version', 'status', 'streak_applied')
if not current[1] then
  return -1
end

if current[2] == 'completed' or current[2] == 'cancelled' then
  return -2
end

if current[1] ~= expected_version then
  return 0
end

redis.call('HSET', session_key,
  'status', status,
  'last_heartbeat_at', ARGV[3],
  'heartbeat_count', ARGV[4],
  'drift_amount_ms', ARGV[5],
  'drift_flags', ARGV[6],
  'clean_heartbeats', ARGV[7],
  'end_time', ARGV[8],
  'elapsed_ms', ARGV[9],
  'version', tonumber(current[1]) + 1
)

if status == 'completed' or status == 'cancelled' then
  if redis.call('GET', user_key) == session_id then
    redis.call('DEL', user_key)
  end
  if status == 'completed' and current[3] ~= '1' then
    redis.call('SADD', pending_set, session_id)
  end
  redis.call('EXPIRE', session_key, ttl_seconds)
end

return 1
`

	// upsertStreakScript writes a streak record if its stored version matches
	// and marks the contributing session as applied in the same step.
	// Returns 1 on success, 0 on version conflict, -2 if the session was already applied.
	upsertStreakScript = `
local streak_key = KEYS[1]      -- focus:streak:{userID}
local session_key = KEYS[2]     -- focus:session:{sessionID}
local pending_set = KEYS[3]     -- focus:sessions:pending_streak

local expected_version = tonumber(ARGV[1])
local session_id = ARGV[9]

if redis.call('HGET', session_key, 'streak_applied') == '1' then
  redis.call('SREM', pending_set, session_id)
  return -2
end

local current = tonumber(redis.call('HGET', streak_key, 'version') or '0')
if current ~= expected_version then
  return 0
end

redis.call('HSET', streak_key,
  'user_id', ARGV[2],
  'current_streak', ARGV[3],
  'longest_streak', ARGV[4],
  'last_completed_date', ARGV[5],
  'timezone', ARGV[6],
  'last_session_id', ARGV[7],
  'updated_at', ARGV[8],
  'version', current + 1
)

if redis.call('EXISTS', session_key) == 1 then
  redis.call('HSET', session_key, 'streak_applied', '1')
end
redis.call('SREM', pending_set, session_id)

return 1
`
)
