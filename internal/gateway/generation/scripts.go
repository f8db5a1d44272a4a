package generation

import "github.com/go-redis/redis/v8"

// createScript enforces one active generation per (user, chat).
// KEYS[1] = active pointer key
// KEYS[2] = record hash key
// ARGV[1] = generation id
// ARGV[2] = active pointer ttl (ms)
// ARGV[3] = record ttl (ms)
// ARGV[4] = record key prefix, used to inspect the current pointer target
// ARGV[5..] = record field/value pairs
//
// Returns "" when created, otherwise the id of the active generation.
var createScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
    local status = redis.call("HGET", ARGV[4] .. current, "status")
    if status == "pending" or status == "streaming" then
        return current
    end
end

redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])

local fields = {}
for i = 5, #ARGV do
    fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[2], unpack(fields))
redis.call("PEXPIRE", KEYS[2], ARGV[3])
return ""
`)

// statusScript is a compare-and-set on the status field.
// KEYS[1] = record hash key
// KEYS[2] = active pointer key
// ARGV[1] = expected status
// ARGV[2] = next status
// ARGV[3] = generation id
// ARGV[4] = "1" to release the active pointer if it still names this generation
// ARGV[5] = "1" when this is the pending -> streaming claim
// ARGV[6] = active pointer ttl (ms)
// ARGV[7] = now (unix ms)
//
// A claim only succeeds while the active pointer still names the generation;
// it then stamps started_at and restarts the pointer ttl. A pending record
// whose pointer is gone is failed instead, since another generation of the
// chat may already have been admitted.
//
// Returns 1 = updated, 0 = status changed underneath, -1 = record missing,
// -2 = claim refused and the record failed.
var statusScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
    return -1
end
if status ~= ARGV[1] then
    return 0
end

if ARGV[5] == "1" then
    if redis.call("GET", KEYS[2]) ~= ARGV[3] then
        redis.call("HSET", KEYS[1], "status", "failed")
        return -2
    end
    redis.call("HSET", KEYS[1], "status", ARGV[2], "started_at", ARGV[7])
    redis.call("PEXPIRE", KEYS[2], ARGV[6])
    return 1
end

redis.call("HSET", KEYS[1], "status", ARGV[2])
if ARGV[4] == "1" and redis.call("GET", KEYS[2]) == ARGV[3] then
    redis.call("DEL", KEYS[2])
end
return 1
`)

// appendScript appends a chunk only while the generation is streaming and
// keeps the chat's active pointer alive for as long as chunks arrive.
// KEYS[1] = record hash key
// KEYS[2] = content key
// ARGV[1] = chunk
// ARGV[2] = record ttl (ms)
// ARGV[3] = record key prefix, used to locate the active pointer
// ARGV[4] = generation id
// ARGV[5] = active pointer ttl (ms)
//
// Returns the new chunk count, or -1 when the record is missing or not streaming.
var appendScript = redis.NewScript(`
local header = redis.call("HMGET", KEYS[1], "status", "user_id", "chat_id")
if header[1] ~= "streaming" then
    return -1
end

redis.call("APPEND", KEYS[2], ARGV[1])
local n = redis.call("HINCRBY", KEYS[1], "chunks_sent", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])

local active = ARGV[3] .. "active:" .. header[2] .. ":" .. header[3]
if redis.call("GET", active) == ARGV[4] then
    redis.call("PEXPIRE", active, ARGV[5])
end
return n
`)

// commitScript flips usage_committed exactly once.
// KEYS[1] = record hash key
//
// Returns 1 = committed now, 0 = already committed, -1 = record missing.
var commitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
return redis.call("HSETNX", KEYS[1], "usage_committed", "1")
`)

// setFieldScript sets one field on an existing record without resurrecting
// an expired one.
// KEYS[1] = record hash key
// ARGV[1] = field
// ARGV[2] = value
var setFieldScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// cleanupScript frees the content buffer of a generation that is done with it.
// KEYS[1] = record hash key
// KEYS[2] = content key
// ARGV[1] = grace ttl (ms) for the remaining record
//
// Returns 1 = cleaned now, 0 = nothing to do.
var cleanupScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status or status == "cleaned" then
    return 0
end
if status ~= "finalized" and status ~= "cancelled" and status ~= "failed" then
    return 0
end

redis.call("HSET", KEYS[1], "status", "cleaned")
redis.call("DEL", KEYS[2])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`)
