package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	accountdomain "github.com/craftlabs/craft/internal/account/domain"
	"github.com/craftlabs/craft/internal/clock"
	"github.com/craftlabs/craft/internal/config"
	creditdomain "github.com/craftlabs/craft/internal/credit/domain"
)

var testEpoch = time.Date(2026, time.August, 31, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&accountdomain.User{},
		&accountdomain.Plan{},
		&creditdomain.CreditUsage{},
		&creditdomain.CreditGrant{},
		&creditdomain.Referral{},
		&creditdomain.ReferralCredit{},
	))
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (*Service, *snowflake.Node) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Cfg:   config.Config{BalanceCacheTTL: 0},
		Clock: clock.NewFakeClock(testEpoch),
	})
	return svc.(*Service), node
}

func seedUser(t *testing.T, db *gorm.DB, node *snowflake.Node, balance int64) snowflake.ID {
	t.Helper()
	user := accountdomain.User{
		ID:           node.Generate(),
		Email:        fmt.Sprintf("user-%s@example.com", node.Generate()),
		BalanceMinor: balance,
		Currency:     "USD",
	}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func TestCheckBalance(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	userID := seedUser(t, db, node, 500)

	check, err := svc.CheckBalance(ctx, userID, 300)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, int64(500), check.Balance)

	check, err = svc.CheckBalance(ctx, userID, 600)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, int64(600), check.Required)

	_, err = svc.CheckBalance(ctx, node.Generate(), 100)
	assert.ErrorIs(t, err, creditdomain.ErrUserNotFound)
}

func TestDeduct(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	userID := seedUser(t, db, node, 1000)
	usage := creditdomain.Usage{Model: "craft-text-v2", InputTokens: 900, OutputTokens: 400}

	require.NoError(t, svc.Deduct(ctx, userID, 250, usage))

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance)

	var usages []creditdomain.CreditUsage
	require.NoError(t, db.Where("user_id = ?", userID).Find(&usages).Error)
	require.Len(t, usages, 1)
	assert.Equal(t, int64(250), usages[0].CostMinor)
	assert.Equal(t, int64(900), usages[0].InputTokens)
}

func TestDeductInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	userID := seedUser(t, db, node, 100)

	err := svc.Deduct(ctx, userID, 250, creditdomain.Usage{Model: "craft-text-v2"})
	insufficient, ok := creditdomain.IsInsufficientBalance(err)
	require.True(t, ok)
	assert.Equal(t, int64(100), insufficient.Balance)
	assert.Equal(t, int64(250), insufficient.Required)

	// Balance untouched, no usage row written.
	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	var count int64
	require.NoError(t, db.Model(&creditdomain.CreditUsage{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDeductRejectsBadInput(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	userID := seedUser(t, db, node, 100)

	assert.ErrorIs(t, svc.Deduct(ctx, userID, 0, creditdomain.Usage{}), creditdomain.ErrInvalidAmount)
	assert.ErrorIs(t, svc.Deduct(ctx, userID, -5, creditdomain.Usage{}), creditdomain.ErrInvalidAmount)
	assert.ErrorIs(t, svc.Deduct(ctx, 0, 10, creditdomain.Usage{}), creditdomain.ErrInvalidUser)
}

func TestConcurrentDeductionsNeverOverspend(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	userID := seedUser(t, db, node, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Deduct(ctx, userID, 100, creditdomain.Usage{Model: "craft-text-v2"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if _, ok := creditdomain.IsInsufficientBalance(err); !ok {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, succeeded)

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestCreditIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	userID := seedUser(t, db, node, 0)

	require.NoError(t, svc.Credit(ctx, userID, 2900, creditdomain.GrantSourcePayment, "polar:evt_1"))
	err := svc.Credit(ctx, userID, 2900, creditdomain.GrantSourcePayment, "polar:evt_1")
	assert.ErrorIs(t, err, creditdomain.ErrGrantDuplicate)

	balance, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(2900), balance)

	// A different source id is a new grant.
	require.NoError(t, svc.Credit(ctx, userID, 100, creditdomain.GrantSourcePayment, "polar:evt_2"))
	balance, err = svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance)
}

func TestAwardMonthlyReferralCredits(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	ctx := context.Background()

	referrer := seedUser(t, db, node, 0)
	referredA := seedUser(t, db, node, 0)
	referredB := seedUser(t, db, node, 0)
	inactive := seedUser(t, db, node, 0)

	for _, referral := range []creditdomain.Referral{
		{ID: node.Generate(), ReferrerID: referrer, ReferredID: referredA, Active: true},
		{ID: node.Generate(), ReferrerID: referrer, ReferredID: referredB, Active: true},
		{ID: node.Generate(), ReferrerID: referrer, ReferredID: inactive, Active: false},
	} {
		require.NoError(t, db.Create(&referral).Error)
	}

	created, skipped, err := svc.AwardMonthlyReferralCredits(ctx, "2026-08", 500)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Zero(t, skipped)

	balance, err := svc.Balance(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	// Re-running the same month awards nothing.
	created, skipped, err = svc.AwardMonthlyReferralCredits(ctx, "2026-08", 500)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 2, skipped)

	balance, err = svc.Balance(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	// A new month awards again.
	created, _, err = svc.AwardMonthlyReferralCredits(ctx, "2026-09", 500)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

func TestLedgerTimestampsFollowClock(t *testing.T) {
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testEpoch)
	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Cfg:   config.Config{},
		Clock: clk,
	}).(*Service)
	ctx := context.Background()

	userID := seedUser(t, db, node, 1000)

	clk.Advance(3 * time.Hour)
	require.NoError(t, svc.Deduct(ctx, userID, 100, creditdomain.Usage{Model: "craft-text-v2"}))

	var usage creditdomain.CreditUsage
	require.NoError(t, db.Where("user_id = ?", userID).Take(&usage).Error)
	assert.Equal(t, testEpoch.Add(3*time.Hour), usage.CreatedAt.UTC())

	clk.Advance(time.Hour)
	require.NoError(t, svc.Credit(ctx, userID, 500, creditdomain.GrantSourcePayment, "polar:evt_ts"))

	var grant creditdomain.CreditGrant
	require.NoError(t, db.Where("user_id = ?", userID).Take(&grant).Error)
	assert.Equal(t, testEpoch.Add(4*time.Hour), grant.CreatedAt.UTC())
}

func TestBalanceCachePicksUpDeductions(t *testing.T) {
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Cfg:   config.Config{BalanceCacheTTL: time.Minute},
		Clock: clock.NewFakeClock(testEpoch),
	}).(*Service)
	ctx := context.Background()

	userID := seedUser(t, db, node, 1000)

	check, err := svc.CheckBalance(ctx, userID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), check.Balance)

	// Deduct invalidates the cached value even inside the TTL.
	require.NoError(t, svc.Deduct(ctx, userID, 400, creditdomain.Usage{Model: "craft-text-v2"}))
	check, err = svc.CheckBalance(ctx, userID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(600), check.Balance)
}
