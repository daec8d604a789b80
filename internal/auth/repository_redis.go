// AngelaMos | 2026
// repository_redis.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

// Key layout, all under the configured prefix:
//
//	<prefix>:{<userID>}:token:<hash>  hash holding one RefreshToken
//	<prefix>:{<userID>}:tokens        set of token hashes owned by the user
//	<prefix>:owner:<hash>             user ID owning the token hash
//	<prefix>:id:<id>                  hash of user_id and token_hash
//
// The {userID} hash tag keeps a user's records and set in one cluster slot,
// so every script only touches keys it declares and that share a slot. The
// owner and id keys are lookup indexes written before the record they point
// at; an index whose record is missing reads as not found.
//
// Nothing is given a TTL; revoked and expired records stay for audit.
type redisRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

const (
	revokeAllAttempts = 3
	statsScanCount    = 256
)

func NewRedisRepository(client redis.UniversalClient, prefix string) Repository {
	if prefix == "" {
		prefix = "refresh"
	}
	return &redisRepository{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *redisRepository) userTag(userID string) string {
	return r.prefix + ":{" + userID + "}"
}

func (r *redisRepository) tokenKey(userID, hash string) string {
	return r.userTag(userID) + ":token:" + hash
}

func (r *redisRepository) userKey(userID string) string {
	return r.userTag(userID) + ":tokens"
}

func (r *redisRepository) ownerKey(hash string) string {
	return r.prefix + ":owner:" + hash
}

func (r *redisRepository) idKey(id string) string {
	return r.prefix + ":id:" + id
}

// rotateScript retires KEYS[1] and writes its successor KEYS[2] only while
// KEYS[1] is still active. KEYS[3] is the owner's token set. ARGV: now(ms),
// next id, next hash, then field/value pairs.
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'not_found'
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
	return 'revoked'
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at')) <= tonumber(ARGV[1]) then
	return 'expired'
end
local fields = {}
for i = 4, #ARGV do
	fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[2], unpack(fields))
redis.call('SADD', KEYS[3], ARGV[3])
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1],
	'revoke_reason', 'rotated', 'replaced_by_id', ARGV[2])
return 'ok'
`)

// revokeScript marks KEYS[1] revoked if it is not already. ARGV: now(ms),
// reason. Returns 1 when a change was made.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[1],
	'revoke_reason', ARGV[2])
return 1
`)

// revokeAllScript revokes every active token record in KEYS[2..]. KEYS[1] is
// the user's token set; if it no longer has exactly #KEYS-1 members a token
// was added after the caller listed them and the script returns -1 without
// writing. ARGV: now(ms), reason.
var revokeAllScript = redis.NewScript(`
if redis.call('SCARD', KEYS[1]) ~= #KEYS - 1 then
	return -1
end
local count = 0
for i = 2, #KEYS do
	local key = KEYS[i]
	if redis.call('HGET', key, 'revoked') == '0' and
		tonumber(redis.call('HGET', key, 'expires_at')) > tonumber(ARGV[1]) then
		redis.call('HSET', key, 'revoked', '1', 'revoked_at', ARGV[1],
			'revoke_reason', ARGV[2])
		count = count + 1
	end
end
return count
`)

func toMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func tokenFields(t *RefreshToken) []any {
	return []any{
		"id", t.ID,
		"user_id", t.UserID,
		"token_hash", t.TokenHash,
		"family_id", t.FamilyID,
		"expires_at", toMillis(t.ExpiresAt),
		"created_at", toMillis(t.CreatedAt),
		"revoked", "0",
		"user_agent", t.UserAgent,
		"ip_address", t.IPAddress,
	}
}

// writeIndex points the owner and id lookups at token. The keys live in
// different slots, so they go out as separate pipelined commands.
func (r *redisRepository) writeIndex(ctx context.Context, token *RefreshToken) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.ownerKey(token.TokenHash), token.UserID, 0)
		pipe.HSet(ctx, r.idKey(token.ID),
			"user_id", token.UserID,
			"token_hash", token.TokenHash,
		)
		return nil
	})
	return err
}

// dropIndex removes lookups written for a successor that never got stored.
func (r *redisRepository) dropIndex(ctx context.Context, token *RefreshToken) {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.ownerKey(token.TokenHash))
		pipe.Del(ctx, r.idKey(token.ID))
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "refresh token index cleanup failed",
			"token_id", token.ID,
			"error", err,
		)
	}
}

func (r *redisRepository) Create(ctx context.Context, token *RefreshToken) error {
	token.CreatedAt = r.now().UTC().Truncate(time.Millisecond)

	if err := r.writeIndex(ctx, token); err != nil {
		return storeErr("create refresh token", err)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.tokenKey(token.UserID, token.TokenHash), tokenFields(token)...)
		pipe.SAdd(ctx, r.userKey(token.UserID), token.TokenHash)
		return nil
	})
	if err != nil {
		return storeErr("create refresh token", err)
	}

	return nil
}

func (r *redisRepository) FindByHash(
	ctx context.Context,
	tokenHash string,
) (*RefreshToken, error) {
	userID, err := r.client.Get(ctx, r.ownerKey(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("find refresh token", err)
	}

	return r.load(ctx, userID, tokenHash)
}

func (r *redisRepository) FindByID(
	ctx context.Context,
	id string,
) (*RefreshToken, error) {
	userID, hash, err := r.resolveID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	return r.load(ctx, userID, hash)
}

func (r *redisRepository) resolveID(ctx context.Context, id string) (string, string, error) {
	index, err := r.client.HGetAll(ctx, r.idKey(id)).Result()
	if err != nil {
		return "", "", storeErr("resolve token id", err)
	}

	userID, hash := index["user_id"], index["token_hash"]
	if userID == "" || hash == "" {
		return "", "", core.ErrNotFound
	}

	return userID, hash, nil
}

func (r *redisRepository) load(
	ctx context.Context,
	userID, tokenHash string,
) (*RefreshToken, error) {
	values, err := r.client.HGetAll(ctx, r.tokenKey(userID, tokenHash)).Result()
	if err != nil {
		return nil, storeErr("find refresh token", err)
	}

	if len(values) == 0 {
		return nil, fmt.Errorf("find refresh token: %w", core.ErrNotFound)
	}

	token, err := decodeToken(values)
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	return token, nil
}

func (r *redisRepository) Rotate(ctx context.Context, old, next *RefreshToken) error {
	if old.UserID != next.UserID {
		return fmt.Errorf("rotate refresh token: successor owner differs: %w", core.ErrInvalidInput)
	}

	now := r.now().UTC().Truncate(time.Millisecond)
	next.CreatedAt = now

	if err := r.writeIndex(ctx, next); err != nil {
		return storeErr("rotate refresh token", err)
	}

	args := []any{toMillis(now), next.ID, next.TokenHash}
	args = append(args, tokenFields(next)...)

	keys := []string{
		r.tokenKey(old.UserID, old.TokenHash),
		r.tokenKey(next.UserID, next.TokenHash),
		r.userKey(next.UserID),
	}

	status, err := rotateScript.Run(ctx, r.client, keys, args...).Text()
	if err != nil {
		return storeErr("rotate refresh token", err)
	}

	if status != "ok" {
		r.dropIndex(ctx, next)
	}

	switch status {
	case "ok":
		return nil
	case "not_found":
		return fmt.Errorf("rotate refresh token: %w", core.ErrNotFound)
	case "revoked":
		return fmt.Errorf("rotate refresh token: %w", core.ErrAlreadyRevoked)
	case "expired":
		return fmt.Errorf("rotate refresh token: %w", core.ErrTokenExpired)
	default:
		return storeErr(
			"rotate refresh token",
			fmt.Errorf("unexpected script result %q", status),
		)
	}
}

func (r *redisRepository) RevokeByID(ctx context.Context, id, reason string) error {
	userID, hash, err := r.resolveID(ctx, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	changed, err := revokeScript.Run(
		ctx,
		r.client,
		[]string{r.tokenKey(userID, hash)},
		toMillis(r.now()),
		reason,
	).Int()
	if err != nil {
		return storeErr("revoke refresh token", err)
	}

	if changed == 0 {
		return fmt.Errorf("revoke refresh token: %w", core.ErrNotFound)
	}

	return nil
}

// RevokeAllForUser lists the user's token records and hands all of them to
// the script as declared keys. A token created in between makes the script
// refuse, and the listing is retried.
func (r *redisRepository) RevokeAllForUser(
	ctx context.Context,
	userID, reason string,
) (int64, error) {
	setKey := r.userKey(userID)

	for range revokeAllAttempts {
		hashes, err := r.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return 0, storeErr("revoke all user tokens", err)
		}

		keys := make([]string, 0, len(hashes)+1)
		keys = append(keys, setKey)
		for _, h := range hashes {
			keys = append(keys, r.tokenKey(userID, h))
		}

		count, err := revokeAllScript.Run(ctx, r.client, keys, toMillis(r.now()), reason).Int64()
		if err != nil {
			return 0, storeErr("revoke all user tokens", err)
		}
		if count >= 0 {
			return count, nil
		}
	}

	return 0, storeErr(
		"revoke all user tokens",
		fmt.Errorf("token set changed on %d attempts", revokeAllAttempts),
	)
}

func (r *redisRepository) GetActiveSessionsForUser(
	ctx context.Context,
	userID string,
) ([]RefreshToken, error) {
	hashes, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, storeErr("get active sessions", err)
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(hashes))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			cmds = append(cmds, pipe.HGetAll(ctx, r.tokenKey(userID, h)))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("get active sessions", err)
	}

	now := r.now()
	tokens := make([]RefreshToken, 0, len(cmds))
	for _, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}

		token, decodeErr := decodeToken(values)
		if decodeErr != nil {
			return nil, fmt.Errorf("get active sessions: %w", decodeErr)
		}

		if token.IsActive(now) {
			tokens = append(tokens, *token)
		}
	}

	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})

	return tokens, nil
}

// SessionStats scans every token record. On a cluster each master is
// scanned separately; a user's records never span masters, so per-master
// active user counts add up.
func (r *redisRepository) SessionStats(ctx context.Context) (*SessionStats, error) {
	stats := newSessionStats()
	var mu sync.Mutex

	collect := func(ctx context.Context, c redis.Cmdable) error {
		part, err := r.tally(ctx, c)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		stats.Active += part.Active
		stats.ActiveUsers += part.ActiveUsers
		stats.Expired += part.Expired
		for reason, n := range part.Revoked {
			stats.Revoked[reason] += n
		}
		return nil
	}

	var err error
	if cluster, ok := r.client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return collect(ctx, c)
		})
	} else {
		err = collect(ctx, r.client)
	}
	if err != nil {
		return nil, storeErr("session stats", err)
	}

	return stats, nil
}

func (r *redisRepository) tally(ctx context.Context, c redis.Cmdable) (*SessionStats, error) {
	stats := newSessionStats()
	users := make(map[string]struct{})
	now := r.now()

	batch := make([]string, 0, statsScanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		cmds := make([]*redis.SliceCmd, 0, len(batch))
		_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range batch {
				cmds = append(cmds, pipe.HMGet(ctx, key,
					"user_id", "revoked", "revoke_reason", "expires_at"))
			}
			return nil
		})
		if err != nil {
			return err
		}
		batch = batch[:0]

		for _, cmd := range cmds {
			if err := countToken(stats, users, cmd.Val(), now); err != nil {
				return err
			}
		}
		return nil
	}

	iter := c.Scan(ctx, 0, r.prefix+":{*}:token:*", statsScanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == statsScanCount {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	stats.ActiveUsers = int64(len(users))
	return stats, nil
}

func countToken(
	stats *SessionStats,
	users map[string]struct{},
	fields []any,
	now time.Time,
) error {
	userID, _ := fields[0].(string)
	revoked, _ := fields[1].(string)
	reason, _ := fields[2].(string)
	expires, _ := fields[3].(string)

	if userID == "" {
		return nil
	}

	if revoked == "1" {
		stats.Revoked[reason]++
		return nil
	}

	expiresAt, err := fromMillis(expires)
	if err != nil {
		return fmt.Errorf("decode expires_at: %w", err)
	}

	if now.Before(expiresAt) {
		stats.Active++
		users[userID] = struct{}{}
	} else {
		stats.Expired++
	}
	return nil
}

func decodeToken(values map[string]string) (*RefreshToken, error) {
	expiresAt, err := fromMillis(values["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("decode expires_at: %w", err)
	}

	createdAt, err := fromMillis(values["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}

	token := &RefreshToken{
		ID:        values["id"],
		UserID:    values["user_id"],
		TokenHash: values["token_hash"],
		FamilyID:  values["family_id"],
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
		Revoked:   values["revoked"] == "1",
		UserAgent: values["user_agent"],
		IPAddress: values["ip_address"],
	}

	if v := values["revoked_at"]; v != "" {
		revokedAt, parseErr := fromMillis(v)
		if parseErr != nil {
			return nil, fmt.Errorf("decode revoked_at: %w", parseErr)
		}
		token.RevokedAt = &revokedAt
	}

	if v := values["revoke_reason"]; v != "" {
		token.RevokeReason = &v
	}

	if v := values["replaced_by_id"]; v != "" {
		token.ReplacedByID = &v
	}

	return token, nil
}
