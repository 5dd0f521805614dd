package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reportsched/pkg/logx"
)

var testLoc = time.FixedZone("WIB", 7*3600)

func at(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, testLoc)
	if err != nil {
		panic(err)
	}
	return t
}

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:   driver,
		Path:     filepath.Join(t.TempDir(), "runs.db"),
		Location: testLoc,
	}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"sqlite", "file"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, driver)

			_, err := st.LastRun(ctx, Filter{UserID: "42"})
			require.ErrorIs(t, err, ErrNoRun)

			runs := []Run{
				{TaskID: "a", UserID: "42", Service: "sales", Status: StatusLaunched, CreatedAt: at("2024-03-01 09:10:00")},
				{TaskID: "b", UserID: "42", Service: "sales", Status: StatusFailed, CreatedAt: at("2024-03-02 09:40:00")},
				{TaskID: "c", UserID: "42", Service: "ads", Category: "daily", Status: StatusFailed, CreatedAt: at("2024-03-03 10:00:00")},
				{TaskID: "d", UserID: "7", Service: "sales", Status: StatusSuccess, CreatedAt: at("2024-03-04 08:00:00")},
			}
			for _, r := range runs {
				require.NoError(t, st.RecordRun(ctx, r))
			}

			last, err := st.LastRun(ctx, Filter{UserID: "42", Service: "sales"})
			require.NoError(t, err)
			assert.True(t, last.Equal(at("2024-03-02 09:40:00")), "got %s", last)

			last, err = st.LastRun(ctx, Filter{UserID: "42"})
			require.NoError(t, err)
			assert.True(t, last.Equal(at("2024-03-03 10:00:00")))

			_, err = st.LastRun(ctx, Filter{UserID: "42", Service: "ads", Category: "weekly"})
			assert.ErrorIs(t, err, ErrNoRun)

			failed, err := st.FailedBetween(ctx, at("2024-03-02 00:00:00"), at("2024-03-03 10:00:00"))
			require.NoError(t, err)
			require.Len(t, failed, 2)
			assert.Equal(t, "b", failed[0].TaskID)
			assert.Equal(t, "c", failed[1].TaskID)
			assert.Equal(t, "daily", failed[1].Category)

			// Upsert keeps created_at and updates status.
			require.NoError(t, st.RecordRun(ctx, Run{TaskID: "a", UserID: "42", Service: "sales", Status: StatusFailed, CreatedAt: at("2024-03-09 00:00:00"), Description: "exit 1"}))
			failed, err = st.FailedBetween(ctx, at("2024-03-01 00:00:00"), at("2024-03-01 23:59:59"))
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "exit 1", failed[0].Description)
			assert.True(t, failed[0].CreatedAt.Equal(at("2024-03-01 09:10:00")))
		})
	}
}

func TestRecordRunValidates(t *testing.T) {
	t.Parallel()
	st := openTest(t, "file")
	assert.Error(t, st.RecordRun(context.Background(), Run{Status: StatusFailed, CreatedAt: time.Now()}))
	assert.Error(t, st.RecordRun(context.Background(), Run{TaskID: "x", CreatedAt: time.Now()}))
}

func TestFileStoreReplaysAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path, Location: testLoc}

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.RecordRun(ctx, Run{TaskID: "a", UserID: "1", Status: StatusLaunched, CreatedAt: at("2024-05-01 10:00:00")}))
	require.NoError(t, st.RecordRun(ctx, Run{TaskID: "a", UserID: "1", Status: StatusFailed, CreatedAt: at("2024-05-01 11:00:00")}))
	require.NoError(t, st.PutDedup(ctx, "k", time.Now().Add(time.Hour)))
	require.NoError(t, st.Close())

	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	last, err := st.LastRun(ctx, Filter{UserID: "1"})
	require.NoError(t, err)
	assert.True(t, last.Equal(at("2024-05-01 10:00:00")))

	failed, err := st.FailedBetween(ctx, at("2024-05-01 00:00:00"), at("2024-05-02 00:00:00"))
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	_, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"sqlite", "file"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openTest(t, driver)

			_, ok, err := st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			got, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, got.Equal(until))
		})
	}
}
