package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/passkeyd/core"
	"github.com/layer-3/passkeyd/ports"
)

type ceremonyRecord struct {
	ID          string          `json:"id"`
	ChallengeID string          `json:"challenge_id"`
	Purpose     string          `json:"purpose"`
	State       string          `json:"state"`
	Device      core.DeviceInfo `json:"device"`
	UserID      string          `json:"user_id"`
	Failure     string          `json:"failure"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func (r ceremonyRecord) toCore() *core.PendingCeremony {
	return &core.PendingCeremony{
		ID:          r.ID,
		ChallengeID: r.ChallengeID,
		Purpose:     core.Purpose(r.Purpose),
		State:       core.CeremonyState(r.State),
		Device:      r.Device,
		UserID:      r.UserID,
		Failure:     r.Failure,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

// claimScript flips challenge_issued to assertion_received atomically.
// Returns {0} when missing, {1, record} when already claimed, {2, record} on success.
var claimScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return {0, ''} end
local c = cjson.decode(v)
if c.state ~= ARGV[1] then return {1, v} end
c.state = ARGV[2]
local enc = cjson.encode(c)
redis.call('SET', KEYS[1], enc, 'KEEPTTL')
return {2, enc}
`)

// finishScript records a terminal state unless one is already recorded
var finishScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local c = cjson.decode(v)
if c.state == 'completed' or c.state == 'failed' then return 1 end
c.state = ARGV[1]
c.failure = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(c), 'KEEPTTL')
return 2
`)

// transitionScript sets ARGV[1]/ARGV[2] as state/failure when the current
// state is one of ARGV[3..]. Returns 0 when missing, 1 on mismatch, 2 on success.
var transitionScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local c = cjson.decode(v)
for i = 3, #ARGV do
  if c.state == ARGV[i] then
    c.state = ARGV[1]
    c.failure = ARGV[2]
    redis.call('SET', KEYS[1], cjson.encode(c), 'KEEPTTL')
    return 2
  end
end
return 1
`)

// RedisCeremonyStore keeps pending ceremonies as JSON with a TTL equal to
// their hard expiry. State transitions run as Lua scripts.
type RedisCeremonyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCeremonyStore creates a ceremony store on top of client
func NewRedisCeremonyStore(client *redis.Client) *RedisCeremonyStore {
	return &RedisCeremonyStore{
		client: client,
		prefix: DefaultPrefix + "ceremony:",
	}
}

// Put stores a new pending ceremony
func (s *RedisCeremonyStore) Put(ctx context.Context, ceremony *core.PendingCeremony) error {
	payload, err := json.Marshal(ceremonyRecord{
		ID:          ceremony.ID,
		ChallengeID: ceremony.ChallengeID,
		Purpose:     string(ceremony.Purpose),
		State:       string(ceremony.State),
		Device:      ceremony.Device,
		UserID:      ceremony.UserID,
		Failure:     ceremony.Failure,
		CreatedAt:   ceremony.CreatedAt,
		ExpiresAt:   ceremony.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ceremony: %w", err)
	}

	ttl := ceremony.ExpiresAt.Sub(ceremony.CreatedAt)
	ok, err := s.client.SetNX(ctx, s.prefix+ceremony.ID, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store ceremony: %w", err)
	}
	if !ok {
		return core.ErrAlreadyExists
	}
	return nil
}

// Get returns the ceremony
func (s *RedisCeremonyStore) Get(ctx context.Context, id string, now time.Time) (*core.PendingCeremony, error) {
	payload, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrCeremonyNotFound
		}
		return nil, fmt.Errorf("failed to load ceremony: %w", err)
	}
	return decodeCeremony(payload, now)
}

// Claim moves a ChallengeIssued ceremony to AssertionReceived
func (s *RedisCeremonyStore) Claim(ctx context.Context, id string, now time.Time) (*core.PendingCeremony, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.prefix + id},
		string(core.StateChallengeIssued), string(core.StateAssertionReceived)).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim ceremony: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim reply: %v", res)
	}

	status, _ := res[0].(int64)
	payload, _ := res[1].(string)
	switch status {
	case 0:
		return nil, core.ErrCeremonyNotFound
	case 1:
		return nil, core.ErrCeremonyAlreadyComplete
	}
	return decodeCeremony([]byte(payload), now)
}

// Transition moves the ceremony to state if it is currently in one of from
func (s *RedisCeremonyStore) Transition(ctx context.Context, id string, from []core.CeremonyState, state core.CeremonyState, failure string) error {
	args := make([]any, 0, len(from)+2)
	args = append(args, string(state), failure)
	for _, f := range from {
		args = append(args, string(f))
	}

	status, err := transitionScript.Run(ctx, s.client, []string{s.prefix + id}, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to transition ceremony: %w", err)
	}
	switch status {
	case 0:
		return core.ErrCeremonyNotFound
	case 1:
		return core.ErrCeremonyAlreadyComplete
	}
	return nil
}

// Finish records a terminal state
func (s *RedisCeremonyStore) Finish(ctx context.Context, id string, state core.CeremonyState, failure string) error {
	status, err := finishScript.Run(ctx, s.client, []string{s.prefix + id}, string(state), failure).Int64()
	if err != nil {
		return fmt.Errorf("failed to finish ceremony: %w", err)
	}
	if status == 0 {
		return core.ErrCeremonyNotFound
	}
	return nil
}

func decodeCeremony(payload []byte, now time.Time) (*core.PendingCeremony, error) {
	var rec ceremonyRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode ceremony: %w", err)
	}
	c := rec.toCore()
	if now.After(c.ExpiresAt) {
		return nil, core.ErrChallengeExpired
	}
	return c, nil
}

var _ ports.CeremonyStore = (*RedisCeremonyStore)(nil)
