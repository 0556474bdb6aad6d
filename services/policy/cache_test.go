package policy

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/upb/agent-governance/models"
)

func cacheTestPolicy(code string) *models.Policy {
	p := models.NewPolicy(code, code, models.PolicyTypeAuthorization, models.ScopeWorkspace)
	p.Status = models.PolicyStatusActive
	return p
}

func TestPolicyCache_GetSet(t *testing.T) {
	cache := NewPolicyCache(10, time.Minute)
	key := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}

	assert.Nil(t, cache.GetPolicies(key))

	policies := []*models.Policy{cacheTestPolicy("A-001")}
	cache.SetPolicies(key, policies)

	got := cache.GetPolicies(key)
	assert.Len(t, got, 1)
	assert.Equal(t, "A-001", got[0].Code)

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestPolicyCache_TTLExpiry(t *testing.T) {
	cache := NewPolicyCache(10, 10*time.Millisecond)
	key := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}

	cache.SetPolicies(key, []*models.Policy{cacheTestPolicy("A-001")})
	assert.NotNil(t, cache.GetPolicies(key))

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, cache.GetPolicies(key))
}

func TestPolicyCache_LRUEviction(t *testing.T) {
	cache := NewPolicyCache(2, time.Minute)

	keyA := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}
	keyB := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}
	keyC := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}

	cache.SetPolicies(keyA, []*models.Policy{cacheTestPolicy("A-001")})
	cache.SetPolicies(keyB, []*models.Policy{cacheTestPolicy("B-001")})

	// touch A so B becomes least recently used
	cache.GetPolicies(keyA)

	cache.SetPolicies(keyC, []*models.Policy{cacheTestPolicy("C-001")})

	assert.NotNil(t, cache.GetPolicies(keyA))
	assert.Nil(t, cache.GetPolicies(keyB))
	assert.NotNil(t, cache.GetPolicies(keyC))
}

func TestPolicyCache_Invalidate(t *testing.T) {
	cache := NewPolicyCache(10, time.Minute)
	key := CacheKey{TargetType: models.TargetWorkspace, TargetID: uuid.New()}

	cache.SetPolicies(key, []*models.Policy{cacheTestPolicy("W-001")})
	cache.Invalidate(key)

	assert.Nil(t, cache.GetPolicies(key))
}

func TestPolicyCache_InvalidatePolicy(t *testing.T) {
	cache := NewPolicyCache(10, time.Minute)

	shared := cacheTestPolicy("SHARED-001")
	other := cacheTestPolicy("OTHER-001")

	keyA := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}
	keyB := CacheKey{TargetType: models.TargetTeam, TargetID: uuid.New()}
	keyC := CacheKey{TargetType: models.TargetWorkspace, TargetID: uuid.New()}

	cache.SetPolicies(keyA, []*models.Policy{shared})
	cache.SetPolicies(keyB, []*models.Policy{other, shared})
	cache.SetPolicies(keyC, []*models.Policy{other})

	cache.InvalidatePolicy(shared.ID)

	// every entry containing the policy is dropped, the rest survive
	assert.Nil(t, cache.GetPolicies(keyA))
	assert.Nil(t, cache.GetPolicies(keyB))
	assert.NotNil(t, cache.GetPolicies(keyC))
}

func TestPolicyCache_CleanupExpired(t *testing.T) {
	cache := NewPolicyCache(10, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		key := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}
		cache.SetPolicies(key, []*models.Policy{cacheTestPolicy("A-001")})
	}

	time.Sleep(20 * time.Millisecond)

	removed := cache.CleanupExpired()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestPolicyCache_Clear(t *testing.T) {
	cache := NewPolicyCache(10, time.Minute)
	key := CacheKey{TargetType: models.TargetAgent, TargetID: uuid.New()}

	cache.SetPolicies(key, []*models.Policy{cacheTestPolicy("A-001")})
	cache.Clear()

	assert.Equal(t, 0, cache.Stats().Size)
	assert.Nil(t, cache.GetPolicies(key))
}
