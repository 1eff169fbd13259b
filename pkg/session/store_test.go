package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoniolo76/llmvm/pkg/deploy"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newSession(name string) *Session {
	return &Session{
		Name:         name,
		Provider:     "linode",
		InstanceID:   "123",
		Address:      "203.0.113.9",
		InstanceType: "g1-gpu-rtx6000-1",
		Region:       "us-east",
		HourlyCost:   1.50,
		Deployment:   deploy.DeploymentConfig{ModelID: "m", GPUMemoryUtilization: 0.9, MaxNumSeqs: 0},
	}
}

func TestCreateGet(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	sess := newSession("alpha")
	require.NoError(t, s.Create(ctx, sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusProvisioning, sess.Status)
	assert.Equal(t, sess.CreatedAt, sess.LastActivityAt)

	got, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 1.50, got.HourlyCost)
	assert.True(t, sess.CreatedAt.Equal(got.CreatedAt))
}

func TestCreateDuplicateFails(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("alpha")))

	err := s.Create(ctx, newSession("alpha"))
	assert.True(t, errors.Is(err, ErrExists))
}

func TestGetMissing(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListAndDelete(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	for i, name := range []string{"b", "a", "c"} {
		sess := newSession(name)
		sess.CreatedAt = time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC)
		require.NoError(t, s.Create(ctx, sess))
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].Name)

	require.NoError(t, s.Delete(ctx, "a"))
	assert.True(t, errors.Is(s.Delete(ctx, "a"), ErrNotFound))

	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpdate(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("alpha")))

	later := time.Now().Add(time.Hour).UTC()
	got, err := s.Update(ctx, "alpha", func(sess *Session) error {
		sess.Status = StatusReady
		sess.LastActivityAt = later
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)

	reread, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, reread.Status)
	assert.True(t, later.Equal(reread.LastActivityAt))
	assert.Equal(t, "203.0.113.9", reread.Address, "untouched fields survive")
}

func TestUpdateAbortAndImmutable(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("alpha")))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "alpha", func(sess *Session) error {
		sess.Status = StatusReady
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Update(ctx, "alpha", func(sess *Session) error {
		sess.HourlyCost = 9.99
		return nil
	})
	assert.ErrorIs(t, err, ErrImmutable)

	got, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusProvisioning, got.Status)
	assert.Equal(t, 1.50, got.HourlyCost)

	_, err = s.Update(ctx, "ghost", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentPointer(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newSession("alpha")))
	require.NoError(t, s.Create(ctx, newSession("beta")))

	_, err := s.Current(ctx, "/work")
	assert.ErrorIs(t, err, ErrNoCurrent)

	assert.ErrorIs(t, s.SetCurrent(ctx, "/work", "ghost"), ErrNotFound)

	require.NoError(t, s.SetCurrent(ctx, "/work", "alpha"))
	require.NoError(t, s.SetCurrent(ctx, "/work", "beta"))
	require.NoError(t, s.SetCurrent(ctx, "/other", "alpha"))

	cur, err := s.Current(ctx, "/work")
	require.NoError(t, err)
	assert.Equal(t, "beta", cur.Name, "one current session per directory")

	require.NoError(t, s.Delete(ctx, "alpha"))
	_, err = s.Current(ctx, "/other")
	assert.ErrorIs(t, err, ErrNoCurrent, "deleting a session clears its pointers")

	require.NoError(t, s.ClearCurrent(ctx, "/work"))
	_, err = s.Current(ctx, "/work")
	assert.ErrorIs(t, err, ErrNoCurrent)
}

func TestCorruptRecord(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	_, err := s.db.Exec("INSERT INTO sessions (name, id, status, record, created_at) VALUES ('bad', 'x', 'ready', '{not json', '')")
	require.NoError(t, err)

	_, err = s.Get(ctx, "bad")
	var cerr *CorruptError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "bad", cerr.Name)

	_, err = s.List(ctx)
	assert.ErrorAs(t, err, &cerr)

	_, err = s.Update(ctx, "bad", func(*Session) error { return nil })
	assert.ErrorAs(t, err, &cerr)

	var record string
	require.NoError(t, s.db.QueryRow("SELECT record FROM sessions WHERE name = 'bad'").Scan(&record))
	assert.Equal(t, "{not json", record, "corrupt record is left untouched")
}

// Two handles on the same file behave like two processes.
func TestConcurrentUpdatesAcrossHandles(t *testing.T) {
	first, path := openStore(t)
	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	ctx := context.Background()
	require.NoError(t, first.Create(ctx, newSession("alpha")))

	const perWriter = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)
	for _, s := range []*Store{first, second} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Update(ctx, "alpha", func(sess *Session) error {
					sess.Deployment.MaxNumSeqs++
					return nil
				})
				if err != nil {
					errs <- err
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("update failed: %v", err)
	}

	got, err := first.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2*perWriter, got.Deployment.MaxNumSeqs, "no lost updates")
}

func TestCost(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sess := &Session{CreatedAt: start, HourlyCost: 1.5}
	assert.InDelta(t, 3.0, sess.Cost(start.Add(2*time.Hour)), 1e-9)

	end := start.Add(30 * time.Minute)
	sess.TerminatedAt = &end
	assert.InDelta(t, 0.75, sess.Cost(start.Add(10*time.Hour)), 1e-9)
	assert.Equal(t, time.Duration(0), (&Session{CreatedAt: start}).Runtime(start.Add(-time.Hour)))
}
