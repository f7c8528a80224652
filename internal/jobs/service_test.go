package jobs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/convertx/internal/antivirus"
	"github.com/spherical-ai/convertx/internal/blob"
	"github.com/spherical-ai/convertx/internal/cache"
	"github.com/spherical-ai/convertx/internal/config"
	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/events"
	"github.com/spherical-ai/convertx/internal/storage"
)

type harness struct {
	svc    *Service
	store  *storage.Store
	blobs  *blob.LocalStore
	broker *events.MemoryBroker
	gate   chan struct{}
}

func upperEngine() *engine.Engine {
	return &engine.Engine{
		ID:          "upper",
		Name:        "Upper",
		Conversions: map[string][]string{"txt": {"md"}},
		Converter: engine.ConverterFunc(func(ctx context.Context, req engine.Request) error {
			data, err := os.ReadFile(req.InputPath)
			if err != nil {
				return err
			}
			return os.WriteFile(req.OutputPath, bytes.ToUpper(data), 0o644)
		}),
	}
}

func failingEngine() *engine.Engine {
	return &engine.Engine{
		ID:          "boom",
		Conversions: map[string][]string{"bad": {"md"}},
		Converter: engine.ConverterFunc(func(ctx context.Context, req engine.Request) error {
			return domain.ConversionError("boom failed", errors.New("exit status 1"))
		}),
	}
}

func gatedEngine(gate <-chan struct{}) *engine.Engine {
	return &engine.Engine{
		ID:          "gated",
		Conversions: map[string][]string{"gate": {"md"}},
		Converter: engine.ConverterFunc(func(ctx context.Context, req engine.Request) error {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
			return os.WriteFile(req.OutputPath, []byte("ok"), 0o644)
		}),
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWithCache(t, opts, nil)
}

func newHarnessWithCache(t *testing.T, opts Options, c cache.Client) *harness {
	t.Helper()
	ctx := context.Background()

	dbCfg := config.DefaultConfig().Database
	dbCfg.SQLite.Path = filepath.Join(t.TempDir(), "jobs.db")
	store, err := storage.Open(ctx, dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	gate := make(chan struct{})
	reg := engine.NewRegistry()
	reg.MustRegister(upperEngine(), failingEngine(), gatedEngine(gate))

	if c == nil {
		c = cache.NewMemoryClient(100)
	}
	t.Cleanup(func() { c.Close() })
	broker := events.NewMemoryBroker(16)
	t.Cleanup(func() { broker.Close() })

	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	svc := NewService(Deps{
		Jobs:       store.Jobs,
		Files:      store.Files,
		Blobs:      blobs,
		Registry:   reg,
		Cache:      c,
		Broker:     broker,
		Dispatcher: NewDispatcher(2, 16),
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &harness{svc: svc, store: store, blobs: blobs, broker: broker, gate: gate}
}

func textUpload(name, body string) Upload {
	return Upload{Name: name, Size: int64(len(body)), Reader: strings.NewReader(body)}
}

func waitForJob(t *testing.T, svc *Service, userID string, id uuid.UUID) *JobDetails {
	t.Helper()
	var details *JobDetails
	require.Eventually(t, func() bool {
		d, err := svc.Get(context.Background(), userID, id)
		require.NoError(t, err)
		details = d
		return d.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return details
}

func TestService_CreateAndComplete(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{
		UserID: "u1",
		Target: "md",
		Files:  []Upload{textUpload("a.txt", "hello"), textUpload("b.txt", "world")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 2, job.NumFiles)

	details := waitForJob(t, h.svc, "u1", job.ID)
	assert.Equal(t, domain.JobStatusCompleted, details.Status)
	assert.Equal(t, 2, details.FinishedFiles)
	assert.Equal(t, 0, details.FailedFiles)
	assert.NotNil(t, details.CompletedAt)
	require.Len(t, details.Files, 2)
	assert.Equal(t, "a.md", details.Files[0].OutputFileName)
	assert.Equal(t, "b.md", details.Files[1].OutputFileName)
	assert.Equal(t, "upper", details.Files[0].Engine)

	out, err := h.svc.OpenOutput(ctx, "u1", job.ID, "a.md")
	require.NoError(t, err)
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(data))
	assert.Contains(t, out.ContentType, "text/plain")

	p, err := h.svc.Progress(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Percent)
	assert.True(t, p.Done())
}

func TestService_DuplicateNames(t *testing.T) {
	h := newHarness(t, Options{})

	job, err := h.svc.Create(context.Background(), CreateRequest{
		Target: "md",
		Files:  []Upload{textUpload("a.txt", "one"), textUpload("a.txt", "two")},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultUserID, job.UserID)

	details := waitForJob(t, h.svc, "", job.ID)
	require.Len(t, details.Files, 2)
	assert.Equal(t, "a.txt", details.Files[0].FileName)
	assert.Equal(t, "a-1.txt", details.Files[1].FileName)
	assert.Equal(t, "a.md", details.Files[0].OutputFileName)
	assert.Equal(t, "a-1.md", details.Files[1].OutputFileName)
}

func TestService_PartialFailure(t *testing.T) {
	h := newHarness(t, Options{})

	job, err := h.svc.Create(context.Background(), CreateRequest{
		Target: "md",
		Files:  []Upload{textUpload("a.txt", "ok"), textUpload("x.bad", "nope")},
	})
	require.NoError(t, err)

	details := waitForJob(t, h.svc, "", job.ID)
	assert.Equal(t, domain.JobStatusCompleted, details.Status)
	assert.Equal(t, 2, details.FinishedFiles)
	assert.Equal(t, 1, details.FailedFiles)

	failed := details.Files[1]
	assert.Equal(t, domain.FileStatusFailed, failed.Status)
	assert.Equal(t, "boom failed: exit status 1", failed.Error)
	assert.Empty(t, failed.OutputFileName)

	_, err = h.svc.OpenOutput(context.Background(), "", job.ID, "x.md")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
}

func TestService_AllFilesFailed(t *testing.T) {
	h := newHarness(t, Options{})

	job, err := h.svc.Create(context.Background(), CreateRequest{
		Target: "md",
		Files:  []Upload{textUpload("x.bad", "nope")},
	})
	require.NoError(t, err)

	details := waitForJob(t, h.svc, "", job.ID)
	assert.Equal(t, domain.JobStatusFailed, details.Status)
	assert.Equal(t, 1, details.FailedFiles)
}

func TestService_ExtensionlessUploadIsSniffed(t *testing.T) {
	h := newHarness(t, Options{})

	job, err := h.svc.Create(context.Background(), CreateRequest{
		Target: "md",
		Files:  []Upload{textUpload("notes", "plain text content")},
	})
	require.NoError(t, err)

	details := waitForJob(t, h.svc, "", job.ID)
	assert.Equal(t, domain.JobStatusCompleted, details.Status)
	assert.Equal(t, "txt", details.Files[0].SourceFormat)
	assert.Equal(t, "notes.md", details.Files[0].OutputFileName)
}

func TestService_CreateValidation(t *testing.T) {
	h := newHarness(t, Options{MaxUploadSize: 4})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateRequest
		errType domain.ErrorType
	}{
		{"no files", CreateRequest{Target: "md"}, domain.ErrorTypeValidation},
		{"no target", CreateRequest{Files: []Upload{textUpload("a.txt", "x")}}, domain.ErrorTypeValidation},
		{"too large", CreateRequest{Target: "md", Files: []Upload{textUpload("a.txt", "too big")}}, domain.ErrorTypeTooLarge},
		{"unsupported", CreateRequest{Target: "png", Files: []Upload{textUpload("a.txt", "x")}}, domain.ErrorTypeUnsupported},
		{"unknown engine", CreateRequest{Target: "md", Engine: "nope", Files: []Upload{textUpload("a.txt", "x")}}, domain.ErrorTypeEngine},
		{"options rejected", CreateRequest{Target: "md", Options: map[string]any{"q": 1}, Files: []Upload{textUpload("a.txt", "x")}}, domain.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, domain.IsType(err, tt.errType), "got %v", err)
		})
	}

	list, err := h.svc.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, list.Total)
}

func TestService_OwnershipIsEnforced(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{UserID: "alice", Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "alice", job.ID)

	_, err = h.svc.Get(ctx, "bob", job.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))

	// warm the cache as the owner, then read as someone else
	_, err = h.svc.Progress(ctx, "alice", job.ID)
	require.NoError(t, err)
	_, err = h.svc.Progress(ctx, "bob", job.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))

	assert.True(t, domain.IsType(h.svc.Delete(ctx, "bob", job.ID), domain.ErrorTypeJobNotFound))
	_, err = h.svc.OpenOutput(ctx, "bob", job.ID, "a.md")
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))
}

func TestService_OpenOutputRejectsUnknownNames(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "", job.ID)

	for _, name := range []string{"a.txt", "../a.md", "b.md", ""} {
		_, err := h.svc.OpenOutput(ctx, "", job.ID, name)
		assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound), name)
	}
}

func TestService_SubscribeStreamsUntilDone(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{
		{Name: "a.gate", Size: 1, Reader: strings.NewReader("a")},
		{Name: "b.gate", Size: 1, Reader: strings.NewReader("b")},
	}})
	require.NoError(t, err)

	ch, cancel, err := h.svc.Subscribe(ctx, "", job.ID)
	require.NoError(t, err)
	defer cancel()

	close(h.gate)

	var last domain.Progress
	timeout := time.After(5 * time.Second)
	for !last.Done() {
		select {
		case p, ok := <-ch:
			require.True(t, ok)
			assert.GreaterOrEqual(t, p.Finished, last.Finished)
			last = p
		case <-timeout:
			t.Fatal("timed out waiting for terminal event")
		}
	}
	assert.Equal(t, domain.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Percent)
}

func TestService_Timeout(t *testing.T) {
	h := newHarness(t, Options{Timeout: 50 * time.Millisecond})

	job, err := h.svc.Create(context.Background(), CreateRequest{Target: "md", Files: []Upload{
		{Name: "a.gate", Size: 1, Reader: strings.NewReader("a")},
	}})
	require.NoError(t, err)

	details := waitForJob(t, h.svc, "", job.ID)
	assert.Equal(t, domain.JobStatusFailed, details.Status)
	assert.Contains(t, details.Files[0].Error, "timed out")
}

func TestService_DeleteRemovesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "", job.ID)

	outKey := blob.OutputKey(DefaultUserID, job.ID.String(), "a.md")
	ok, err := h.blobs.Exists(ctx, outKey)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.svc.Delete(ctx, "", job.ID))

	_, err = h.svc.Get(ctx, "", job.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))
	for _, key := range []string{outKey, blob.UploadKey(DefaultUserID, job.ID.String(), "a.txt")} {
		ok, err := h.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
}

func TestService_DeleteFile(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{
		textUpload("a.txt", "one"), textUpload("b.txt", "two"), textUpload("x.bad", "three"),
	}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "", job.ID)

	// cache the terminal snapshot so the delete has to invalidate it
	p, err := h.svc.Progress(ctx, "", job.ID)
	require.NoError(t, err)
	require.Equal(t, 3, p.Total)

	require.NoError(t, h.svc.DeleteFile(ctx, "", job.ID, "b.txt"))

	details, err := h.svc.Get(ctx, "", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, details.Status)
	assert.Equal(t, 2, details.NumFiles)
	assert.Equal(t, 2, details.FinishedFiles)
	assert.Equal(t, 1, details.FailedFiles)
	require.Len(t, details.Files, 2)
	for _, f := range details.Files {
		assert.NotEqual(t, "b.txt", f.FileName)
	}
	for _, key := range []string{
		blob.UploadKey(DefaultUserID, job.ID.String(), "b.txt"),
		blob.OutputKey(DefaultUserID, job.ID.String(), "b.md"),
	} {
		ok, err := h.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}

	p, err = h.svc.Progress(ctx, "", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 100, p.Percent)

	// only the failed file is left
	require.NoError(t, h.svc.DeleteFile(ctx, "", job.ID, "a.txt"))
	details, err = h.svc.Get(ctx, "", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, details.Status)
	assert.Equal(t, 1, details.NumFiles)

	err = h.svc.DeleteFile(ctx, "", job.ID, "a.txt")
	assert.True(t, domain.IsType(err, domain.ErrorTypeNotFound))
	err = h.svc.DeleteFile(ctx, "intruder", job.ID, "x.bad")
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))

	// removing the last file removes the job
	require.NoError(t, h.svc.DeleteFile(ctx, "", job.ID, "x.bad"))
	_, err = h.svc.Get(ctx, "", job.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))
}

func TestService_DeleteFileWhileConverting(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{textUpload("slow.gate", "x")}})
	require.NoError(t, err)

	err = h.svc.DeleteFile(ctx, "", job.ID, "slow.gate")
	assert.True(t, domain.IsType(err, domain.ErrorTypeConflict))

	close(h.gate)
	details := waitForJob(t, h.svc, "", job.ID)
	assert.Equal(t, domain.JobStatusCompleted, details.Status)
}

func TestService_Archive(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{
		textUpload("a.txt", "one"), textUpload("b.txt", "two"), textUpload("x.bad", "three"),
	}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "", job.ID)

	var buf bytes.Buffer
	require.NoError(t, h.svc.Archive(ctx, "", job.ID, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	contents := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[f.Name] = string(data)
	}
	assert.Equal(t, map[string]string{"a.md": "ONE", "b.md": "TWO"}, contents)
	assert.Equal(t, "convertx-"+job.ID.String()+".zip", ArchiveName(job.ID))
}

func TestService_ListPaginates(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.Create(ctx, CreateRequest{UserID: "u", Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
		require.NoError(t, err)
	}

	page, err := h.svc.List(ctx, "u", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Jobs, 2)

	page, err = h.svc.List(ctx, "u", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 1)

	empty, err := h.svc.List(ctx, "nobody", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Jobs)
	assert.Equal(t, 50, empty.Limit)
}

func TestService_Recover(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	job := &storage.Job{UserID: "u", Status: domain.JobStatusProcessing, TargetFormat: "md", NumFiles: 2}
	require.NoError(t, h.store.Jobs.Create(ctx, job))
	for i, status := range []domain.FileStatus{domain.FileStatusProcessing, domain.FileStatusPending} {
		require.NoError(t, h.store.Files.Create(ctx, &storage.JobFile{
			JobID: job.ID, Position: i, FileName: "f.txt", SourceFormat: "txt", Engine: "upper", Status: status,
		}))
	}

	unstarted := &storage.Job{UserID: "u", TargetFormat: "md", NumFiles: 1}
	require.NoError(t, h.store.Jobs.Create(ctx, unstarted))

	n, err := h.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	details, err := h.svc.Get(ctx, "u", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, details.Status)
	assert.Equal(t, 2, details.FailedFiles)
	for _, f := range details.Files {
		assert.Equal(t, "interrupted", f.Error)
	}

	_, err = h.svc.Get(ctx, "u", unstarted.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))

	n, err = h.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_CreateAfterShutdownFailsFiles(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.svc.Shutdown(ctx))

	job, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
	require.NoError(t, err)

	details := waitForJob(t, h.svc, "", job.ID)
	assert.Equal(t, domain.JobStatusFailed, details.Status)
	assert.Equal(t, ErrShuttingDown.Error(), details.Files[0].Error)
}

func TestJanitor_Sweep(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	done, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "", done.ID)

	running, err := h.svc.Create(ctx, CreateRequest{Target: "md", Files: []Upload{
		{Name: "a.gate", Size: 1, Reader: strings.NewReader("a")},
	}})
	require.NoError(t, err)

	j := NewJanitor(h.svc, time.Hour, time.Minute)
	removed, err := j.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = j.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.svc.Get(ctx, "", done.ID)
	assert.True(t, domain.IsType(err, domain.ErrorTypeJobNotFound))
	_, err = h.svc.Get(ctx, "", running.ID)
	assert.NoError(t, err)

	close(h.gate)
}

func TestJanitor_RunDisabled(t *testing.T) {
	h := newHarness(t, Options{})
	finished := make(chan struct{})
	go func() {
		NewJanitor(h.svc, 0, time.Millisecond).Run(context.Background())
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("disabled janitor did not return")
	}
}

func TestUniqueName(t *testing.T) {
	taken := map[string]bool{}
	assert.Equal(t, "a.txt", uniqueName("a.txt", taken))
	assert.Equal(t, "a-1.txt", uniqueName("a.txt", taken))
	assert.Equal(t, "a-2.txt", uniqueName("a.txt", taken))
	assert.Equal(t, "noext", uniqueName("noext", taken))
	assert.Equal(t, "noext-1", uniqueName("noext", taken))
	assert.Equal(t, "x.tar.gz", uniqueName("x.tar.gz", taken))
	assert.Equal(t, "x-1.tar.gz", uniqueName("x.tar.gz", taken))
}

// heldCache delays every Set until release is closed, so a snapshot read
// before a worker update is written after it.
type heldCache struct {
	*cache.MemoryClient
	release chan struct{}
	sets    chan string
}

func (c *heldCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.sets <- key
	<-c.release
	return c.MemoryClient.Set(ctx, key, value, ttl)
}

func TestService_ProgressNeverCachesStaleSnapshot(t *testing.T) {
	held := &heldCache{
		MemoryClient: cache.NewMemoryClient(100),
		release:      make(chan struct{}),
		sets:         make(chan string, 16),
	}
	h := newHarnessWithCache(t, Options{}, held)
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{
		UserID: "u1",
		Target: "md",
		Files:  []Upload{textUpload("slow.gate", "x")},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		files, err := h.store.Files.ListByJob(ctx, job.ID)
		require.NoError(t, err)
		return files[0].Status == domain.FileStatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	type result struct {
		p   domain.Progress
		err error
	}
	inFlight := make(chan result, 1)
	go func() {
		p, err := h.svc.Progress(ctx, "u1", job.ID)
		inFlight <- result{p, err}
	}()

	// the worker completes the job while the read above may be filling the cache
	close(h.gate)
	waitForJob(t, h.svc, "u1", job.ID)
	close(held.release)

	r := <-inFlight
	require.NoError(t, r.err)
	if r.p.Status != domain.JobStatusCompleted {
		assert.Less(t, r.p.Finished, r.p.Total)
	}

	p, err := h.svc.Progress(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, p.Status)
	assert.Equal(t, 100, p.Percent)

	// only one snapshot, the terminal one, was ever written
	close(held.sets)
	var keys []string
	for k := range held.sets {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{cache.JobKey(job.ID.String())}, keys)
}

// fakeScanner flags uploads whose content contains "virus".
type fakeScanner struct {
	enabled bool
	err     error
	scanned []string
}

func (f *fakeScanner) Enabled() bool { return f.enabled }

func (f *fakeScanner) Scan(_ context.Context, name string, r io.Reader) (antivirus.Result, error) {
	f.scanned = append(f.scanned, name)
	if f.err != nil {
		return antivirus.Result{}, f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return antivirus.Result{}, err
	}
	if strings.Contains(string(data), "virus") {
		return antivirus.Result{Infected: true, Viruses: []string{"Test.Virus"}}, nil
	}
	return antivirus.Result{}, nil
}

func TestService_ScansUploads(t *testing.T) {
	h := newHarness(t, Options{})
	scanner := &fakeScanner{enabled: true}
	h.svc.scanner = scanner
	ctx := context.Background()

	job, err := h.svc.Create(ctx, CreateRequest{UserID: "av", Target: "md", Files: []Upload{
		textUpload("clean.txt", "fine"),
	}})
	require.NoError(t, err)
	waitForJob(t, h.svc, "av", job.ID)
	assert.Equal(t, []string{"clean.txt"}, scanner.scanned)

	_, err = h.svc.Create(ctx, CreateRequest{UserID: "av", Target: "md", Files: []Upload{
		textUpload("ok.txt", "fine"), textUpload("bad.txt", "a virus inside"),
	}})
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInfected))
	assert.Contains(t, err.Error(), "bad.txt is infected: Test.Virus")

	// the rejected job leaves nothing behind
	page, err := h.svc.List(ctx, "av", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	scanner.enabled = false
	_, err = h.svc.Create(ctx, CreateRequest{UserID: "av", Target: "md", Files: []Upload{textUpload("skip.txt", "virus")}})
	require.NoError(t, err)
	assert.NotContains(t, scanner.scanned, "skip.txt")
}

func TestService_ScanFailureRejectsUpload(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.scanner = &fakeScanner{enabled: true, err: errors.New("clamd unreachable")}
	ctx := context.Background()

	_, err := h.svc.Create(ctx, CreateRequest{UserID: "av", Target: "md", Files: []Upload{textUpload("a.txt", "x")}})
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeIO))

	page, err := h.svc.List(ctx, "av", 0, 0)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}
