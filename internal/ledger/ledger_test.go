package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MaxAttempts:          5,
		CompensationAttempts: 5,
		CallTimeout:          50 * time.Millisecond,
		BaseBackoff:          time.Millisecond,
		MaxBackoff:           2 * time.Millisecond,
	}
}

// faultyGateway wraps the memory store and lets a test replace individual
// gateway calls.
type faultyGateway struct {
	*memory.Store

	fetch  func(ctx context.Context, id string) (domain.Campaign, error)
	cas    func(ctx context.Context, id string, version int64, qty int) (bool, error)
	insert func(ctx context.Context, p domain.Participation) (domain.Participation, error)
	find   func(ctx context.Context, campaignID, key string) (*domain.Participation, error)
}

func (g *faultyGateway) FetchCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	if g.fetch != nil {
		return g.fetch(ctx, id)
	}
	return g.Store.FetchCampaign(ctx, id)
}

func (g *faultyGateway) CompareAndSwapQuantity(ctx context.Context, id string, version int64, qty int) (bool, error) {
	if g.cas != nil {
		return g.cas(ctx, id, version, qty)
	}
	return g.Store.CompareAndSwapQuantity(ctx, id, version, qty)
}

func (g *faultyGateway) InsertParticipation(ctx context.Context, p domain.Participation) (domain.Participation, error) {
	if g.insert != nil {
		return g.insert(ctx, p)
	}
	return g.Store.InsertParticipation(ctx, p)
}

func (g *faultyGateway) FindParticipationByKey(ctx context.Context, campaignID, key string) (*domain.Participation, error) {
	if g.find != nil {
		return g.find(ctx, campaignID, key)
	}
	return g.Store.FindParticipationByKey(ctx, campaignID, key)
}

type fixture struct {
	store  *memory.Store
	gw     *faultyGateway
	ledger *Ledger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.New()
	store.PutProduct(domain.Product{ID: "p1", Name: "Espresso beans", PriceCents: 1299})
	gw := &faultyGateway{Store: store}
	return &fixture{
		store:  store,
		gw:     gw,
		ledger: New(gw, store, cfg, discardLogger(), WithClock(func() time.Time { return testNow })),
	}
}

func (f *fixture) campaign(t *testing.T, target int) domain.Campaign {
	t.Helper()
	c, err := f.ledger.CreateCampaign(context.Background(), CreateInput{
		ProductID:      "p1",
		TargetQuantity: target,
		EndsAt:         testNow.Add(24 * time.Hour),
		CreatorID:      "creator",
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) current(t *testing.T, id string) domain.Campaign {
	t.Helper()
	c, err := f.store.FetchCampaign(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) participated(t *testing.T, id string) int {
	t.Helper()
	ps, err := f.store.ListParticipations(context.Background(), id)
	require.NoError(t, err)
	sum := 0
	for _, p := range ps {
		sum += p.Quantity
	}
	return sum
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	c := f.campaign(t, 10)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 0, c.CurrentQuantity)
	assert.Equal(t, int64(0), c.Version)
	assert.Equal(t, domain.CampaignStatusActive, c.Status)
	assert.Equal(t, domain.CampaignStateOpen, c.StateAt(testNow))

	tests := []struct {
		name string
		in   CreateInput
		kind domain.ErrorKind
	}{
		{"zero target", CreateInput{ProductID: "p1", TargetQuantity: 0, EndsAt: testNow.Add(time.Hour), CreatorID: "u"}, domain.KindInvalidArgument},
		{"negative target", CreateInput{ProductID: "p1", TargetQuantity: -3, EndsAt: testNow.Add(time.Hour), CreatorID: "u"}, domain.KindInvalidArgument},
		{"deadline in past", CreateInput{ProductID: "p1", TargetQuantity: 5, EndsAt: testNow.Add(-time.Hour), CreatorID: "u"}, domain.KindInvalidArgument},
		{"deadline now", CreateInput{ProductID: "p1", TargetQuantity: 5, EndsAt: testNow, CreatorID: "u"}, domain.KindInvalidArgument},
		{"missing creator", CreateInput{ProductID: "p1", TargetQuantity: 5, EndsAt: testNow.Add(time.Hour)}, domain.KindInvalidArgument},
		{"unknown product", CreateInput{ProductID: "nope", TargetQuantity: 5, EndsAt: testNow.Add(time.Hour), CreatorID: "u"}, domain.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.CreateCampaign(ctx, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}
}

func TestJoinCampaign_Success(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	res, err := f.ledger.JoinCampaign(context.Background(), JoinInput{
		CampaignID: c.ID, UserID: "alice", Quantity: 3, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "alice", res.Participation.UserID)
	assert.Equal(t, 3, res.Participation.Quantity)
	assert.Equal(t, "k1", res.Participation.IdempotencyKey)
	assert.Equal(t, testNow, res.Participation.JoinedAt)
	assert.Equal(t, 3, res.Campaign.CurrentQuantity)
	assert.Equal(t, int64(1), res.Campaign.Version)

	stored := f.current(t, c.ID)
	assert.Equal(t, 3, stored.CurrentQuantity)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, 3, f.participated(t, c.ID))
}

func TestJoinCampaign_GeneratesKeyWhenMissing(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	res, err := f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Participation.IdempotencyKey)
}

func TestJoinCampaign_Boundaries(t *testing.T) {
	ctx := context.Background()

	t.Run("exact fill makes campaign full", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 4, IdempotencyKey: "k1"})
		require.NoError(t, err)
		res, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "b", Quantity: 6, IdempotencyKey: "k2"})
		require.NoError(t, err)
		assert.Equal(t, domain.CampaignStateFull, res.Campaign.StateAt(testNow))

		_, err = f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "c", Quantity: 1, IdempotencyKey: "k3"})
		assert.Equal(t, domain.KindCampaignClosed, domain.KindOf(err))
		assert.Equal(t, 10, f.current(t, c.ID).CurrentQuantity)
	})

	t.Run("one over remaining is rejected without change", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 4, IdempotencyKey: "k1"})
		require.NoError(t, err)
		_, err = f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "b", Quantity: 7, IdempotencyKey: "k2"})
		assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(err))

		stored := f.current(t, c.ID)
		assert.Equal(t, 4, stored.CurrentQuantity)
		assert.Equal(t, int64(1), stored.Version)
		assert.Equal(t, 4, f.participated(t, c.ID))
	})

	t.Run("invalid quantity", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		for _, q := range []int{0, -1} {
			_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: q, IdempotencyKey: fmt.Sprint(q)})
			assert.Equal(t, domain.KindInvalidArgument, domain.KindOf(err))
		}
	})

	t.Run("unknown campaign", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: "missing", UserID: "a", Quantity: 1, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	})

	t.Run("quantity near int max on partly filled campaign", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 1, IdempotencyKey: "k1"})
		require.NoError(t, err)
		for i, q := range []int{math.MaxInt, math.MaxInt - 1, math.MaxInt - 9} {
			_, err = f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "b", Quantity: q, IdempotencyKey: fmt.Sprintf("big-%d", i)})
			assert.Equal(t, domain.KindCapacityExceeded, domain.KindOf(err), "quantity %d", q)
		}

		stored := f.current(t, c.ID)
		assert.Equal(t, 1, stored.CurrentQuantity)
		assert.Equal(t, int64(1), stored.Version)
		assert.Equal(t, 1, f.participated(t, c.ID))
	})
}

func TestJoinCampaign_Closed(t *testing.T) {
	ctx := context.Background()

	t.Run("past deadline", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		f.ledger.now = func() time.Time { return c.EndsAt.Add(time.Second) }

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 1, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindCampaignClosed, domain.KindOf(err))
		assert.Equal(t, 0, f.current(t, c.ID).CurrentQuantity)
	})

	t.Run("status no longer active", func(t *testing.T) {
		f := newFixture(t, testConfig())
		_, err := f.store.InsertCampaign(ctx, domain.Campaign{
			ID: "done", ProductID: "p1", TargetQuantity: 5, Status: domain.CampaignStatusFailed,
			EndsAt: testNow.Add(time.Hour),
		})
		require.NoError(t, err)

		_, err = f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: "done", UserID: "a", Quantity: 1, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindCampaignClosed, domain.KindOf(err))
	})
}

func TestJoinCampaign_ConcurrentOvershoot(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.JoinCampaign(context.Background(), JoinInput{
				CampaignID: c.ID, UserID: fmt.Sprintf("u%d", i), Quantity: 6, IdempotencyKey: fmt.Sprintf("k%d", i),
			})
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range errs {
		switch domain.KindOf(err) {
		case domain.KindNone:
			ok++
		case domain.KindCapacityExceeded:
			exceeded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)
	assert.Equal(t, 6, f.current(t, c.ID).CurrentQuantity)
	assert.Equal(t, 6, f.participated(t, c.ID))
}

func TestJoinCampaign_ConcurrentStress(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 200
	f := newFixture(t, cfg)
	const target = 40
	c := f.campaign(t, target)

	var successes, committed atomic.Int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 60; i++ {
		qty := i%3 + 1
		g.Go(func() error {
			_, err := f.ledger.JoinCampaign(ctx, JoinInput{
				CampaignID: c.ID, UserID: fmt.Sprintf("user-%d", i), Quantity: qty, IdempotencyKey: fmt.Sprintf("key-%d", i),
			})
			switch domain.KindOf(err) {
			case domain.KindNone:
				successes.Add(1)
				committed.Add(int64(qty))
				return nil
			case domain.KindCapacityExceeded, domain.KindCampaignClosed, domain.KindContention:
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	stored := f.current(t, c.ID)
	assert.LessOrEqual(t, stored.CurrentQuantity, target)
	assert.Equal(t, int(committed.Load()), stored.CurrentQuantity)
	assert.Equal(t, stored.CurrentQuantity, f.participated(t, c.ID))
	assert.Equal(t, successes.Load(), stored.Version, "one version bump per successful join")

	drift, err := f.store.QuantityDrift(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestJoinCampaign_Idempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("replay returns original participation", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		in := JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 2, IdempotencyKey: "same"}

		first, err := f.ledger.JoinCampaign(ctx, in)
		require.NoError(t, err)
		second, err := f.ledger.JoinCampaign(ctx, in)
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.Participation.ID, second.Participation.ID)
		assert.Equal(t, 2, f.current(t, c.ID).CurrentQuantity)
		assert.Equal(t, 2, f.participated(t, c.ID))
	})

	t.Run("key reused with different quantity", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 2, IdempotencyKey: "same"})
		require.NoError(t, err)
		_, err = f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 3, IdempotencyKey: "same"})
		assert.Equal(t, domain.KindIdempotencyConflict, domain.KindOf(err))
		assert.Equal(t, 2, f.current(t, c.ID).CurrentQuantity)
	})

	t.Run("concurrent duplicate wins the insert", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)

		// The other request's participation is already stored but its key
		// was not visible at this request's pre-check.
		_, err := f.store.InsertParticipation(ctx, domain.Participation{
			ID: "winner", CampaignID: c.ID, UserID: "alice", Quantity: 2, IdempotencyKey: "dup",
		})
		require.NoError(t, err)
		_, err = f.store.CompareAndSwapQuantity(ctx, c.ID, 0, 2)
		require.NoError(t, err)

		var finds atomic.Int32
		f.gw.find = func(ctx context.Context, campaignID, key string) (*domain.Participation, error) {
			if finds.Add(1) == 1 {
				return nil, nil
			}
			return f.store.FindParticipationByKey(ctx, campaignID, key)
		}

		res, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 2, IdempotencyKey: "dup"})
		require.NoError(t, err)
		assert.True(t, res.Replayed)
		assert.Equal(t, "winner", res.Participation.ID)
		assert.Equal(t, 2, f.current(t, c.ID).CurrentQuantity, "surplus advance compensated")
		assert.Equal(t, 2, f.participated(t, c.ID))
	})
}

func TestJoinCampaign_Contention(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	var casCalls atomic.Int32
	f.gw.cas = func(context.Context, string, int64, int) (bool, error) {
		casCalls.Add(1)
		return false, nil
	}

	_, err := f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 1, IdempotencyKey: "k"})
	assert.Equal(t, domain.KindContention, domain.KindOf(err))
	assert.Equal(t, int32(5), casCalls.Load())
	assert.Equal(t, 0, f.participated(t, c.ID))
}

func TestJoinCampaign_InsertFailureCompensates(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	f.gw.insert = func(context.Context, domain.Participation) (domain.Participation, error) {
		return domain.Participation{}, errors.New("connection reset by peer")
	}

	_, err := f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 4, IdempotencyKey: "k"})
	assert.Equal(t, domain.KindPersistence, domain.KindOf(err))

	stored := f.current(t, c.ID)
	assert.Equal(t, 0, stored.CurrentQuantity)
	assert.Equal(t, int64(2), stored.Version, "advance plus compensation")
	assert.Equal(t, 0, f.participated(t, c.ID))
}

func TestJoinCampaign_InsertRejectedSkipsLookup(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	f.gw.insert = func(_ context.Context, p domain.Participation) (domain.Participation, error) {
		return domain.Participation{}, fmt.Errorf("insert participation: campaign %s: %w", p.CampaignID, domain.ErrNotFound)
	}
	var finds atomic.Int32
	f.gw.find = func(ctx context.Context, campaignID, key string) (*domain.Participation, error) {
		finds.Add(1)
		return f.store.FindParticipationByKey(ctx, campaignID, key)
	}

	_, err := f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 2, IdempotencyKey: "k"})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Equal(t, int32(1), finds.Load(), "only the pre-check looks up the key")
	assert.Equal(t, 0, f.current(t, c.ID).CurrentQuantity)
	assert.Equal(t, 0, f.participated(t, c.ID))
}

func TestJoinCampaign_InsertErrorAfterRowLanded(t *testing.T) {
	for _, insertErr := range []error{
		context.Canceled,
		errors.New("connection reset by peer"),
	} {
		t.Run(insertErr.Error(), func(t *testing.T) {
			f := newFixture(t, testConfig())
			c := f.campaign(t, 10)
			f.gw.insert = func(ctx context.Context, p domain.Participation) (domain.Participation, error) {
				if _, err := f.store.InsertParticipation(ctx, p); err != nil {
					return domain.Participation{}, err
				}
				return domain.Participation{}, insertErr
			}

			res, err := f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 4, IdempotencyKey: "k"})
			require.NoError(t, err)
			assert.False(t, res.Replayed)
			assert.Equal(t, 4, res.Campaign.CurrentQuantity)

			stored := f.current(t, c.ID)
			assert.Equal(t, 4, stored.CurrentQuantity)
			assert.Equal(t, int64(1), stored.Version, "no compensation")
			assert.Equal(t, 4, f.participated(t, c.ID))
		})
	}
}

func TestJoinCampaign_SharedKeyOtherRequestLands(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	// The first insert stalls until the second request has finished, then
	// times out without having written anything.
	started := make(chan struct{})
	release := make(chan struct{})
	var inserts atomic.Int32
	f.gw.insert = func(ctx context.Context, p domain.Participation) (domain.Participation, error) {
		if inserts.Add(1) == 1 {
			close(started)
			<-release
			return domain.Participation{}, context.DeadlineExceeded
		}
		return f.store.InsertParticipation(ctx, p)
	}

	in := JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 3, IdempotencyKey: "shared"}
	type outcome struct {
		res JoinResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.ledger.JoinCampaign(context.Background(), in)
		first <- outcome{res, err}
	}()

	<-started
	second, err := f.ledger.JoinCampaign(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, second.Replayed)
	close(release)

	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.res.Replayed)
	assert.Equal(t, second.Participation.ID, got.res.Participation.ID)

	assert.Equal(t, 3, f.current(t, c.ID).CurrentQuantity)
	assert.Equal(t, 3, f.participated(t, c.ID))
}

func TestJoinCampaign_SharedKeyDifferentRequest(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	// The ambiguous insert resolves to a row written by a different request
	// under the same key.
	f.gw.insert = func(ctx context.Context, p domain.Participation) (domain.Participation, error) {
		other := p
		other.ID = "other"
		other.Quantity = 1
		if _, err := f.store.InsertParticipation(ctx, other); err != nil {
			return domain.Participation{}, err
		}
		return domain.Participation{}, errors.New("connection reset by peer")
	}
	_, err := f.store.CompareAndSwapQuantity(context.Background(), c.ID, 0, 1)
	require.NoError(t, err)

	_, err = f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "alice", Quantity: 3, IdempotencyKey: "shared"})
	assert.Equal(t, domain.KindIdempotencyConflict, domain.KindOf(err))
	assert.Equal(t, 1, f.current(t, c.ID).CurrentQuantity)
	assert.Equal(t, 1, f.participated(t, c.ID))
}

func TestJoinCampaign_PartialFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	f.gw.insert = func(context.Context, domain.Participation) (domain.Participation, error) {
		return domain.Participation{}, errors.New("connection reset by peer")
	}
	var casCalls atomic.Int32
	f.gw.cas = func(ctx context.Context, id string, version int64, qty int) (bool, error) {
		if casCalls.Add(1) == 1 {
			return f.store.CompareAndSwapQuantity(ctx, id, version, qty)
		}
		return false, errors.New("connection refused")
	}

	_, err := f.ledger.JoinCampaign(context.Background(), JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 4, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Equal(t, domain.KindPartialFailure, domain.KindOf(err))

	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, c.ID, pf.CampaignID)
	assert.Equal(t, 4, pf.Quantity)
	assert.Equal(t, "k", pf.IdempotencyKey)

	drift, err := f.store.QuantityDrift(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, 4, drift[0].Delta())
}

func TestJoinCampaign_Timeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("fetch timeout", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		f.gw.fetch = func(ctx context.Context, _ string) (domain.Campaign, error) {
			<-ctx.Done()
			return domain.Campaign{}, ctx.Err()
		}

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 1, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
		assert.Equal(t, 0, f.current(t, c.ID).CurrentQuantity)
	})

	t.Run("cas timeout after apply leaves detectable drift", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		f.gw.cas = func(ctx context.Context, id string, version int64, qty int) (bool, error) {
			if _, err := f.store.CompareAndSwapQuantity(ctx, id, version, qty); err != nil {
				return false, err
			}
			return false, context.DeadlineExceeded
		}

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 2, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindTimeout, domain.KindOf(err))

		drift, err := f.store.QuantityDrift(ctx)
		require.NoError(t, err)
		require.Len(t, drift, 1)
		assert.Equal(t, c.ID, drift[0].CampaignID)
	})

	t.Run("insert timeout but row landed", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		f.gw.insert = func(ctx context.Context, p domain.Participation) (domain.Participation, error) {
			if _, err := f.store.InsertParticipation(ctx, p); err != nil {
				return domain.Participation{}, err
			}
			return domain.Participation{}, context.DeadlineExceeded
		}

		res, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 3, IdempotencyKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, "k", res.Participation.IdempotencyKey)
		assert.Equal(t, 3, f.current(t, c.ID).CurrentQuantity)
		assert.Equal(t, 3, f.participated(t, c.ID))
	})

	t.Run("insert timeout and row absent", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		f.gw.insert = func(context.Context, domain.Participation) (domain.Participation, error) {
			return domain.Participation{}, context.DeadlineExceeded
		}

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 3, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
		assert.Equal(t, 0, f.current(t, c.ID).CurrentQuantity)
		assert.Equal(t, 0, f.participated(t, c.ID))
	})

	t.Run("insert timeout and lookup fails", func(t *testing.T) {
		f := newFixture(t, testConfig())
		c := f.campaign(t, 10)
		f.gw.insert = func(context.Context, domain.Participation) (domain.Participation, error) {
			return domain.Participation{}, context.DeadlineExceeded
		}
		var finds atomic.Int32
		f.gw.find = func(ctx context.Context, campaignID, key string) (*domain.Participation, error) {
			if finds.Add(1) == 1 {
				return nil, nil
			}
			return nil, errors.New("connection refused")
		}

		_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 3, IdempotencyKey: "k"})
		assert.Equal(t, domain.KindPartialFailure, domain.KindOf(err))
		assert.Equal(t, 3, f.current(t, c.ID).CurrentQuantity, "outcome unknown, left for reconciliation")
	})
}

func TestJoinCampaign_CallerCancelStillCompensates(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	f.gw.insert = func(context.Context, domain.Participation) (domain.Participation, error) {
		cancel()
		return domain.Participation{}, context.Canceled
	}

	_, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 5, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
	assert.Equal(t, 0, f.current(t, c.ID).CurrentQuantity)
	assert.Equal(t, 0, f.participated(t, c.ID))
}

func TestJoinCampaign_CallerCancelAfterRowLanded(t *testing.T) {
	f := newFixture(t, testConfig())
	c := f.campaign(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	f.gw.insert = func(_ context.Context, p domain.Participation) (domain.Participation, error) {
		if _, err := f.store.InsertParticipation(context.Background(), p); err != nil {
			return domain.Participation{}, err
		}
		cancel()
		return domain.Participation{}, context.Canceled
	}

	res, err := f.ledger.JoinCampaign(ctx, JoinInput{CampaignID: c.ID, UserID: "a", Quantity: 4, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "k", res.Participation.IdempotencyKey)
	assert.Equal(t, 4, f.current(t, c.ID).CurrentQuantity)
	assert.Equal(t, 4, f.participated(t, c.ID))
}
