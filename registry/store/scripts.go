// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package store

// Server-side scripts. Each one exists because its key mutations must be
// observed together; callers rely on the store never exposing a partially
// applied state under a single call.

// reserveCapacityScript decrements the family capacity if any remains and
// keeps the family indexes in step.
//
// KEYS[1] = servers:<id>:family-capacity
// KEYS[2] = slots:by-family:<family>
// KEYS[3] = servers:<id>:families
// ARGV[1] = family, ARGV[2] = serverId
//
// Returns the remaining capacity, or -1 when none was available.
const reserveCapacityScript = `
local remaining = redis.call('HGET', KEYS[1], ARGV[1])
if not remaining then
  return -1
end
remaining = tonumber(remaining)
if remaining <= 0 then
  return -1
end
remaining = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return remaining
`

// releaseCapacityScript increments the family capacity, clamped at the
// declared total, and re-advertises the server in the family index while
// capacity remains. Safe to call compensatingly any number of times.
//
// KEYS[1] = servers:<id>:family-capacity
// KEYS[2] = servers:<id>:family-total
// KEYS[3] = slots:by-family:<family>
// ARGV[1] = family, ARGV[2] = serverId
const releaseCapacityScript = `
local total = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
local remaining = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if total > 0 and remaining > total then
  redis.call('HSET', KEYS[1], ARGV[1], total)
  remaining = total
end
if remaining > 0 then
  redis.call('SADD', KEYS[3], ARGV[2])
end
return remaining
`

// setActiveScript points a player at a slot and maintains the per-slot
// reverse index, returning the previous slot id or false.
//
// KEYS[1] = route:active:<playerId>
// KEYS[2] = route:slot-players:<slotId>
// ARGV[1] = slotId, ARGV[2] = playerId, ARGV[3] = slot-players key prefix
const setActiveScript = `
local prev = redis.call('GETSET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
if prev and prev ~= ARGV[1] then
  redis.call('SREM', ARGV[3] .. prev, ARGV[2])
end
return prev
`

// clearActiveScript removes a player's active assignment and the reverse
// index entry, returning the slot the player was on or false.
//
// KEYS[1] = route:active:<playerId>
// ARGV[1] = playerId, ARGV[2] = slot-players key prefix
const clearActiveScript = `
local slot = redis.call('GET', KEYS[1])
if not slot then
  return false
end
redis.call('DEL', KEYS[1])
redis.call('SREM', ARGV[2] .. slot, ARGV[1])
return slot
`

// clearSlotPlayersScript evicts every player whose active assignment still
// points at the slot, returning the evicted player ids. Players that were
// re-routed elsewhere in the meantime keep their newer assignment.
//
// KEYS[1] = route:slot-players:<slotId>
// ARGV[1] = slotId, ARGV[2] = active key prefix
const clearSlotPlayersScript = `
local players = redis.call('SMEMBERS', KEYS[1])
local evicted = {}
for _, p in ipairs(players) do
  local key = ARGV[2] .. p
  if redis.call('GET', key) == ARGV[1] then
    redis.call('DEL', key)
    evicted[#evicted + 1] = p
  end
end
redis.call('DEL', KEYS[1])
return evicted
`

// decrementOccupancyScript decrements the pending-player counter, clamped
// at zero so duplicate acks cannot drive it negative.
//
// KEYS[1] = route:occupancy:<slotId>
const decrementOccupancyScript = `
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], '0')
  v = 0
end
return v
`

// addOccupancyScript applies a signed delta to the pending-player
// counter, clamped at zero. Party allocations reserve and release a whole
// party's seats in one call.
//
// KEYS[1] = route:occupancy:<slotId>
// ARGV[1] = delta
const addOccupancyScript = `
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v < 0 then
  redis.call('SET', KEYS[1], '0')
  v = 0
end
return v
`
