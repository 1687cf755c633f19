package queue

import "github.com/redis/go-redis/v9"

// Toda mudança de estado de um job é um script: o hash do job e as
// estruturas da fila (listas/zsets) mudam juntos ou não mudam.
//
// A faixa priorizada usa score = priority * 2^32 + seq, então dentro da
// mesma prioridade a ordem de chegada é preservada.

// KEYS: job, wait, prioritized, delayed, notify, seq
// ARGV: id, priority, readyAt(ms, 0 = já), field/value...
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
local fields = {}
for i = 4, #ARGV do
	fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))

local priority = tonumber(ARGV[2])
local readyAt = tonumber(ARGV[3])
if readyAt > 0 then
	redis.call("ZADD", KEYS[4], readyAt, ARGV[1])
	return 1
end
if priority > 0 then
	local seq = redis.call("INCR", KEYS[6])
	redis.call("ZADD", KEYS[3], priority * 4294967296 + (seq % 4294967296), ARGV[1])
else
	redis.call("LPUSH", KEYS[2], ARGV[1])
end
redis.call("LPUSH", KEYS[5], "1")
redis.call("LTRIM", KEYS[5], 0, 999)
return 1
`)

// KEYS: delayed, wait, prioritized, notify, seq
// ARGV: jobPrefix, now(ms), limit
// Retorna {promovidos, próximo vencimento em ms ou -1}.
var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local jobKey = ARGV[1] .. id
	if redis.call("EXISTS", jobKey) == 1 then
		local priority = tonumber(redis.call("HGET", jobKey, "priority") or "0") or 0
		if priority > 0 then
			local seq = redis.call("INCR", KEYS[5])
			redis.call("ZADD", KEYS[3], priority * 4294967296 + (seq % 4294967296), id)
		else
			redis.call("LPUSH", KEYS[2], id)
		end
		redis.call("LPUSH", KEYS[4], "1")
	end
end
redis.call("LTRIM", KEYS[4], 0, 999)
local nextDue = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if nextDue[2] then
	return {#ids, tonumber(nextDue[2])}
end
return {#ids, -1}
`)

// KEYS: wait, prioritized, active
// ARGV: jobPrefix, now(ms), lease(ms)
// Retorna o HGETALL do job ativado ou nil.
var moveToActiveScript = redis.NewScript(`
local id = redis.call("RPOP", KEYS[1])
while id do
	if redis.call("EXISTS", ARGV[1] .. id) == 1 then
		break
	end
	id = redis.call("RPOP", KEYS[1])
end
if not id then
	local popped = redis.call("ZPOPMIN", KEYS[2])
	while popped[1] do
		if redis.call("EXISTS", ARGV[1] .. popped[1]) == 1 then
			id = popped[1]
			break
		end
		popped = redis.call("ZPOPMIN", KEYS[2])
	end
end
if not id then
	return false
end
local jobKey = ARGV[1] .. id
redis.call("HSET", jobKey, "status", "processing", "startedAt", ARGV[2])
redis.call("HINCRBY", jobKey, "attempts", 1)
redis.call("ZADD", KEYS[3], tonumber(ARGV[2]) + tonumber(ARGV[3]), id)
return redis.call("HGETALL", jobKey)
`)

// trimHistoryLua mantém só os keep ids mais novos de uma lista de histórico
// e apaga o hash dos descartados. keep < 0 não limita.
const trimHistoryLua = `
local function trimHistory(listKey, jobPrefix, keep)
	if keep < 0 then
		return
	end
	local old = redis.call("LRANGE", listKey, keep, -1)
	for _, oldId in ipairs(old) do
		redis.call("DEL", jobPrefix .. oldId)
	end
	if keep == 0 then
		redis.call("DEL", listKey)
	else
		redis.call("LTRIM", listKey, 0, keep - 1)
	end
end
`

// KEYS: active, history (completed ou failed)
// ARGV: jobPrefix, id, now(ms), status, timestampField, valueField, value, keep
// Retorna -1 se o job não estava mais ativo (lease perdido).
var finishScript = redis.NewScript(trimHistoryLua + `
local jobKey = ARGV[1] .. ARGV[2]
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
	return -1
end
redis.call("HSET", jobKey, "status", ARGV[4], ARGV[5], ARGV[3], ARGV[6], ARGV[7])
redis.call("LPUSH", KEYS[2], ARGV[2])
trimHistory(KEYS[2], ARGV[1], tonumber(ARGV[8]))
return 1
`)

// KEYS: active, delayed
// ARGV: jobPrefix, id, readyAt(ms), error
var retryScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[2]) == 0 then
	return -1
end
redis.call("HSET", ARGV[1] .. ARGV[2], "status", "pending", "error", ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// KEYS: active, wait, failed, notify
// ARGV: jobPrefix, now(ms), keepFailed
// Jobs com lease vencido voltam para a fila (ou falham se esgotaram tentativas).
// Retorna {recuperados, falhados}.
var stalledScript = redis.NewScript(trimHistoryLua + `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local recovered, failed = 0, 0
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local jobKey = ARGV[1] .. id
	if redis.call("EXISTS", jobKey) == 1 then
		local attempts = tonumber(redis.call("HGET", jobKey, "attempts") or "0") or 0
		local maxAttempts = tonumber(redis.call("HGET", jobKey, "maxAttempts") or "1") or 1
		if attempts >= maxAttempts then
			redis.call("HSET", jobKey, "status", "failed", "failedAt", ARGV[2], "error", "job stalled: lease expired")
			redis.call("LPUSH", KEYS[3], id)
			failed = failed + 1
		else
			redis.call("HSET", jobKey, "status", "pending")
			redis.call("RPUSH", KEYS[2], id)
			redis.call("LPUSH", KEYS[4], "1")
			recovered = recovered + 1
		end
	end
end
if failed > 0 then
	trimHistory(KEYS[3], ARGV[1], tonumber(ARGV[3]))
end
return {recovered, failed}
`)

// KEYS: wait, prioritized, delayed
// ARGV: jobPrefix, id
var removeScript = redis.NewScript(`
local jobKey = ARGV[1] .. ARGV[2]
if redis.call("HGET", jobKey, "status") ~= "pending" then
	return 0
end
redis.call("LREM", KEYS[1], 0, ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("ZREM", KEYS[3], ARGV[2])
redis.call("DEL", jobKey)
return 1
`)
