//go:build integration

// Runs two service instances against shared PostgreSQL and Redis, the way a
// distributed deployment does.
//
// Run with:
//
//	KESTREL_TEST_POSTGRES_HOST=localhost KESTREL_TEST_REDIS_ADDR=localhost:6379 \
//	  go test -tags=integration ./internal/transfer/...
package transfer

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/gate"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func distributedNode(t *testing.T) (*Service, domain.Repository) {
	t.Helper()

	host := os.Getenv("KESTREL_TEST_POSTGRES_HOST")
	redisAddr := os.Getenv("KESTREL_TEST_REDIS_ADDR")
	if host == "" || redisAddr == "" {
		t.Skip("KESTREL_TEST_POSTGRES_HOST and KESTREL_TEST_REDIS_ADDR are required")
	}
	port, err := strconv.Atoi(envOr("KESTREL_TEST_POSTGRES_PORT", "5432"))
	require.NoError(t, err)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:           "postgres",
		PostgresHost:     host,
		PostgresPort:     port,
		PostgresUser:     envOr("KESTREL_TEST_POSTGRES_USER", "postgres"),
		PostgresPassword: envOr("KESTREL_TEST_POSTGRES_PASSWORD", "postgres"),
		PostgresDB:       envOr("KESTREL_TEST_POSTGRES_DB", "kestrel"),
		PostgresSSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	c, err := cache.New(domain.CacheConfig{
		Type:           "redis",
		RedisAddr:      redisAddr,
		EnableTwoPhase: true,
		LocalMaxSize:   100,
		LocalTTL:       time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	g, err := gate.NewRedisGate(domain.GateConfig{
		Type:       "redis",
		RedisAddr:  redisAddr,
		MaxWait:    5 * time.Second,
		LockTTL:    10 * time.Second,
		RetryDelay: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	view := ledger.NewView(repo, c, 30*time.Second)
	ruleSet, err := rules.NewRuleSet(domain.DefaultPolicyConfig())
	require.NoError(t, err)

	return NewService(repo, rules.NewEngine(view, ruleSet), view, g, nil), repo
}

func TestDistributedSameSenderAcrossNodes(t *testing.T) {
	nodeA, repo := distributedNode(t)
	nodeB, _ := distributedNode(t)
	ctx := context.Background()

	suffix := uuid.New().String()[:8]
	sender := "sender-" + suffix
	receiver := "receiver-" + suffix
	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, id := range []string{sender, receiver} {
		require.NoError(t, repo.SaveAccount(ctx, &domain.Account{
			ID:        id,
			Email:     id + "@example.com",
			FirstName: "Node-" + id,
			Tier:      domain.TierOne,
			IsActive:  true,
			CreatedAt: old,
			UpdatedAt: old,
		}))
	}

	const perNode = 4
	nodes := []*Service{nodeA, nodeB}
	results := make(chan *Result, perNode*len(nodes))

	var wg sync.WaitGroup
	for _, node := range nodes {
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func(node *Service) {
				defer wg.Done()
				res, err := node.Submit(ctx, request(sender, receiver, "10"))
				if assert.NoError(t, err) {
					results <- res
				}
			}(node)
		}
	}
	wg.Wait()
	close(results)

	clean := 0
	for res := range results {
		if !res.Decision.IsFlagged {
			clean++
			continue
		}
		assert.Equal(t, domain.ViolationReport{"Transaction violated 1 minute timing window."}, res.Decision.Report)
	}
	assert.Equal(t, 1, clean, "exactly one transfer may pass the timing window across nodes")
}
