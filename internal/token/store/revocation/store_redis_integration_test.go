//go:build integration

package revocation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"civid/internal/token/store/revocation"
	"civid/pkg/platform/sentinel"
	"civid/pkg/testutil/containers"
)

type RedisListSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	list  *revocation.RedisList
}

func TestRedisListSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisListSuite))
}

func (s *RedisListSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.list = revocation.NewRedis(s.redis.Client)
}

func (s *RedisListSuite) SetupTest() {
	ctx := context.Background()
	err := s.redis.FlushAll(ctx)
	s.Require().NoError(err)
}

func (s *RedisListSuite) TestRevokeAndCheck() {
	ctx := context.Background()
	jti := uuid.NewString()

	revoked, err := s.list.IsRevoked(ctx, jti)
	s.Require().NoError(err)
	s.False(revoked)

	err = s.list.Revoke(ctx, jti, time.Minute)
	s.Require().NoError(err)

	revoked, err = s.list.IsRevoked(ctx, jti)
	s.Require().NoError(err)
	s.True(revoked)
}

func (s *RedisListSuite) TestEntryExpiresWithTTL() {
	ctx := context.Background()
	jti := uuid.NewString()

	err := s.list.Revoke(ctx, jti, 100*time.Millisecond)
	s.Require().NoError(err)

	revoked, err := s.list.IsRevoked(ctx, jti)
	s.Require().NoError(err)
	s.True(revoked)

	time.Sleep(300 * time.Millisecond)

	revoked, err = s.list.IsRevoked(ctx, jti)
	s.Require().NoError(err)
	s.False(revoked, "expired entries read as not revoked")
}

func (s *RedisListSuite) TestRejectsNonPositiveTTL() {
	ctx := context.Background()
	err := s.list.Revoke(ctx, uuid.NewString(), 0)
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *RedisListSuite) TestConcurrentRevocations() {
	ctx := context.Background()
	const goroutines = 30

	jtis := make([]string, goroutines)
	for i := range jtis {
		jtis[i] = uuid.NewString()
	}

	var wg sync.WaitGroup
	for _, jti := range jtis {
		wg.Add(1)
		go func(jti string) {
			defer wg.Done()
			_ = s.list.Revoke(ctx, jti, time.Minute)
		}(jti)
	}
	wg.Wait()

	for _, jti := range jtis {
		revoked, err := s.list.IsRevoked(ctx, jti)
		s.Require().NoError(err)
		s.True(revoked)
	}
}
