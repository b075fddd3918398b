package syncengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/folders"
	"github.com/alexjbarnes/receipt-sync/internal/index"
	"github.com/alexjbarnes/receipt-sync/internal/localstore"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/network"
	"github.com/alexjbarnes/receipt-sync/internal/state"
	"github.com/alexjbarnes/receipt-sync/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// captured is 10:30:05 on 2026-10-18 in Toronto.
var captured = time.Date(2026, 10, 18, 14, 30, 5, 0, time.UTC)

const (
	testFolder      = "Receipts/CA/2026/10/18"
	testMonthFolder = "Receipts/CA/2026/10"
)

type fixture struct {
	state   *state.State
	library *localstore.Store
	remote  *storage.DirProvider
	engine  *Engine

	mu     sync.Mutex
	sleeps []time.Duration
}

// newFixture wires an engine to a real bbolt state and local library. A
// nil provider selects a DirProvider on a temp dir, a nil monitor a wifi
// StaticMonitor.
func newFixture(t *testing.T, provider storage.Provider, monitor network.Monitor) *fixture {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	library, err := localstore.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{state: st, library: library}

	if provider == nil {
		f.remote, err = storage.NewDirProvider(t.TempDir())
		require.NoError(t, err)
		provider = f.remote
	}

	if monitor == nil {
		monitor = network.NewStaticMonitor(network.ConnectionWifi)
	}

	f.engine = New(st, library, provider, monitor, Config{Country: "CA", DeviceID: "test-device"}, quietLogger)
	f.engine.jitter = func(time.Duration) time.Duration { return 0 }
	f.engine.sleep = func(_ context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()

		return nil
	}

	return f
}

func (f *fixture) recordedSleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]time.Duration(nil), f.sleeps...)
}

func testReceipt(id, checksum string) models.Receipt {
	return models.Receipt{
		ID:         id,
		CapturedAt: captured,
		Timezone:   "America/Toronto",
		Filename:   "20261018-103005-" + id + ".jpg",
		Amount:     decimal.RequireFromString("42.50"),
		Currency:   "CAD",
		Region:     "CA-ON",
		Checksum:   checksum,
		DeviceID:   "test-device",
		CreatedAt:  captured,
		UpdatedAt:  captured,
	}
}

// seed stores the image in the local library and inserts the receipt.
func (f *fixture) seed(t *testing.T, r models.Receipt, image []byte) models.Receipt {
	t.Helper()

	if image != nil {
		require.NoError(t, f.library.WriteImage(f.engine.dayFor(r), r.Filename, image))
	}

	inserted, err := f.state.Insert(r)
	require.NoError(t, err)
	require.True(t, inserted)

	return r
}

func (f *fixture) receipt(t *testing.T, id string) *models.Receipt {
	t.Helper()

	r, err := f.state.Get(id)
	require.NoError(t, err)
	require.NotNil(t, r)

	return r
}

// remoteDayIndex reads index.json straight from the DirProvider root.
func (f *fixture) remoteDayIndex(t *testing.T, folder string) index.DayIndex {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.remote.Root(), filepath.FromSlash(folder), folders.DayIndexFile))
	require.NoError(t, err)

	d, err := index.ParseDay(data)
	require.NoError(t, err)

	return d
}

func (f *fixture) remoteImages(t *testing.T, folder string) []string {
	t.Helper()

	names, err := f.remote.ListFiles(context.Background(), folder)
	require.NoError(t, err)

	var images []string

	for _, n := range names {
		if n != folders.DayIndexFile && n != folders.MonthIndexFile {
			images = append(images, n)
		}
	}

	return images
}

// blockingProvider pauses the first DownloadFile call until release is
// closed, so tests can act while a cycle is mid-item.
type blockingProvider struct {
	storage.Provider

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingProvider(inner storage.Provider) *blockingProvider {
	return &blockingProvider{
		Provider: inner,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (p *blockingProvider) DownloadFile(ctx context.Context, folder, filename string) ([]byte, error) {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})

	return p.Provider.DownloadFile(ctx, folder, filename)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}
