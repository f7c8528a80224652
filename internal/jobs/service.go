// Package jobs accepts conversion requests, runs them on a worker pool and
// reports their progress.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/convertx/internal/antivirus"
	"github.com/spherical-ai/convertx/internal/blob"
	"github.com/spherical-ai/convertx/internal/cache"
	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/events"
	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/observability"
	"github.com/spherical-ai/convertx/internal/storage"
)

// DefaultUserID owns jobs created without an explicit user.
const DefaultUserID = "0"

const interruptedMessage = "interrupted"

// Options tune the service.
type Options struct {
	MaxUploadSize int64
	// Timeout bounds a single file conversion. Zero means no limit.
	Timeout  time.Duration
	WorkDir  string
	CacheTTL time.Duration
}

// Service owns the job lifecycle.
type Service struct {
	jobs       *storage.JobRepository
	files      *storage.FileRepository
	blobs      blob.Store
	registry   *engine.Registry
	cache      cache.Client
	broker     events.Broker
	dispatcher *Dispatcher
	scanner    Scanner
	logger     *observability.Logger
	opts       Options
}

// Scanner checks stored uploads for malware.
type Scanner interface {
	Enabled() bool
	Scan(ctx context.Context, name string, r io.Reader) (antivirus.Result, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Jobs       *storage.JobRepository
	Files      *storage.FileRepository
	Blobs      blob.Store
	Registry   *engine.Registry
	Cache      cache.Client
	Broker     events.Broker
	Dispatcher *Dispatcher
	// Scanner is optional; uploads are not scanned without one.
	Scanner Scanner
	Logger  *observability.Logger
}

// NewService wires a service and starts its dispatcher.
func NewService(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryClient(0)
	}
	if deps.Broker == nil {
		deps.Broker = events.NewMemoryBroker(0)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewDispatcher(0, 0)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	deps.Dispatcher.Start()

	return &Service{
		jobs:       deps.Jobs,
		files:      deps.Files,
		blobs:      deps.Blobs,
		registry:   deps.Registry,
		cache:      deps.Cache,
		broker:     deps.Broker,
		dispatcher: deps.Dispatcher,
		scanner:    deps.Scanner,
		logger:     deps.Logger,
		opts:       opts,
	}
}

// Upload is one file of a conversion request.
type Upload struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// CreateRequest describes a new conversion job.
type CreateRequest struct {
	UserID  string
	Target  string
	Engine  string // empty selects an engine per file
	Options map[string]any
	Files   []Upload
}

// JobDetails is a job together with its files.
type JobDetails struct {
	*storage.Job
	Files []*storage.JobFile `json:"files"`
}

// task is one file conversion queued on the dispatcher.
type task struct {
	jobID      uuid.UUID
	userID     string
	fileID     uuid.UUID
	fileName   string
	from       string
	to         string
	engineID   string
	options    map[string]any
	outputName string
}

type plannedFile struct {
	upload      Upload
	contentType string
	name        string
	from        string
	engine      *engine.Engine
	outputName  string
}

// Create validates the request, stores the uploads and queues one task per
// file. The whole request is rejected if any file cannot be converted.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.Job, error) {
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	if len(req.Files) == 0 {
		return nil, domain.ValidationError("no files uploaded", nil)
	}
	target := formats.Normalize(req.Target)
	if target == "" {
		return nil, domain.ValidationError("target format is required", nil)
	}

	planned, err := s.plan(req, target)
	if err != nil {
		return nil, err
	}

	var rawOptions json.RawMessage
	if len(req.Options) > 0 {
		if rawOptions, err = json.Marshal(req.Options); err != nil {
			return nil, domain.ValidationError("options must be JSON encodable", err)
		}
	}

	job := &storage.Job{
		UserID:       req.UserID,
		Status:       domain.JobStatusNotStarted,
		TargetFormat: target,
		Engine:       req.Engine,
		Options:      rawOptions,
		NumFiles:     len(planned),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	log := s.logger.WithJob(job.ID.String()).WithUser(req.UserID)

	tasks := make([]task, 0, len(planned))
	for i, p := range planned {
		key := blob.UploadKey(req.UserID, job.ID.String(), p.name)
		if err := s.blobs.Put(ctx, key, p.upload.Reader, p.upload.Size, p.contentType); err != nil {
			s.discard(job)
			return nil, domain.IOError(fmt.Sprintf("failed to store %s", p.name), err)
		}
		if err := s.scan(ctx, key, p.name); err != nil {
			log.Warn().Err(err).Str("file", p.name).Msg("Upload rejected by antivirus")
			s.discard(job)
			return nil, err
		}

		f := &storage.JobFile{
			JobID:        job.ID,
			Position:     i,
			FileName:     p.name,
			SourceFormat: p.from,
			Engine:       p.engine.ID,
			Status:       domain.FileStatusPending,
			Size:         p.upload.Size,
		}
		if err := s.files.Create(ctx, f); err != nil {
			s.discard(job)
			return nil, fmt.Errorf("create job file: %w", err)
		}

		tasks = append(tasks, task{
			jobID:      job.ID,
			userID:     req.UserID,
			fileID:     f.ID,
			fileName:   p.name,
			from:       p.from,
			to:         target,
			engineID:   p.engine.ID,
			options:    req.Options,
			outputName: p.outputName,
		})
	}

	if err := s.jobs.UpdateStatus(ctx, job.ID, domain.JobStatusPending); err != nil {
		s.discard(job)
		return nil, fmt.Errorf("queue job: %w", err)
	}
	job.Status = domain.JobStatusPending
	s.publish(ctx, job.Progress())

	for _, t := range tasks {
		t := t
		if err := s.dispatcher.Submit(ctx, func(ctx context.Context) { s.process(ctx, t) }); err != nil {
			log.Warn().Err(err).Str("file", t.fileName).Msg("Failed to queue file")
			s.failFile(context.WithoutCancel(ctx), t, err.Error())
		}
	}

	log.Info().
		Int("files", len(tasks)).
		Str("target", target).
		Msg("Job queued")
	return job, nil
}

// plan resolves source formats, engines and output names for every upload.
func (s *Service) plan(req CreateRequest, target string) ([]plannedFile, error) {
	planned := make([]plannedFile, 0, len(req.Files))
	names := make(map[string]bool)
	outputs := make(map[string]bool)

	for i, up := range req.Files {
		if up.Reader == nil {
			return nil, domain.ValidationError(fmt.Sprintf("file %d has no content", i+1), nil)
		}
		if s.opts.MaxUploadSize > 0 && up.Size > s.opts.MaxUploadSize {
			return nil, domain.TooLargeError(fmt.Sprintf("%s exceeds the %d byte upload limit", up.Name, s.opts.MaxUploadSize))
		}

		name := uniqueName(formats.Sanitize(up.Name), names)
		mtype, r, err := blob.Sniff(up.Reader)
		if err != nil {
			return nil, domain.IOError(fmt.Sprintf("failed to read %s", name), err)
		}
		up.Reader = r

		from := formats.FromFilename(name)
		if from == "" && mtype.Extension() != "" {
			from = formats.Normalize(mtype.Extension())
		}
		if from == "" {
			return nil, domain.ValidationError(fmt.Sprintf("cannot determine the format of %s", name), nil)
		}

		e, err := s.registry.Resolve(req.Engine, from, target)
		if err != nil {
			return nil, err
		}
		if err := s.registry.ValidateOptions(e, req.Options); err != nil {
			return nil, err
		}

		planned = append(planned, plannedFile{
			upload:      up,
			contentType: mtype.String(),
			name:        name,
			from:        from,
			engine:      e,
			outputName:  uniqueName(e.OutputName(name, target), outputs),
		})
	}
	return planned, nil
}

// uniqueName returns name, or name with a numeric suffix before the
// extension if it was already taken.
func uniqueName(name string, taken map[string]bool) string {
	candidate := name
	for n := 1; taken[candidate]; n++ {
		ext := formats.Ext(name)
		if ext == "" {
			candidate = name + "-" + strconv.Itoa(n)
		} else {
			candidate = formats.Stem(name) + "-" + strconv.Itoa(n) + "." + ext
		}
	}
	taken[candidate] = true
	return candidate
}

// discard removes a job that could not be fully created.
// scan checks a stored upload when scanning is enabled. Scan failures reject
// the upload.
func (s *Service) scan(ctx context.Context, key, name string) error {
	if s.scanner == nil || !s.scanner.Enabled() {
		return nil
	}
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return domain.IOError(fmt.Sprintf("failed to read %s for scanning", name), err)
	}
	defer rc.Close()

	res, err := s.scanner.Scan(ctx, name, rc)
	if err != nil {
		return domain.IOError(fmt.Sprintf("failed to scan %s", name), err)
	}
	if res.Infected {
		return domain.InfectedError(name, res.Viruses)
	}
	return nil
}

func (s *Service) discard(job *storage.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, prefix := range blob.JobPrefixes(job.UserID, job.ID.String()) {
		_ = s.blobs.DeletePrefix(ctx, prefix)
	}
	_ = s.jobs.Delete(ctx, job.ID)
}

// Get returns a job and its files.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (*JobDetails, error) {
	job, err := s.getJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list job files: %w", err)
	}
	return &JobDetails{Job: job, Files: files}, nil
}

func (s *Service) getJob(ctx context.Context, userID string, id uuid.UUID) (*storage.Job, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	job, err := s.jobs.Get(ctx, userID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.JobNotFoundError(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobList is one page of a user's jobs.
type JobList struct {
	Jobs   []*storage.Job `json:"jobs"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// List returns a page of the user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) (*JobList, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.jobs.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	total, err := s.jobs.Count(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*storage.Job{}
	}
	return &JobList{Jobs: jobs, Total: total, Limit: limit, Offset: offset}, nil
}

type cachedProgress struct {
	UserID   string          `json:"userId"`
	Progress domain.Progress `json:"progress"`
}

// Progress returns the job's progress. Finished jobs are served from cache;
// the owner recorded with the cached snapshot is checked on every read.
func (s *Service) Progress(ctx context.Context, userID string, id uuid.UUID) (domain.Progress, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	key := cache.JobKey(id.String())

	var cached cachedProgress
	if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
		if cached.UserID == userID {
			return cached.Progress, nil
		}
		return domain.Progress{}, domain.JobNotFoundError(id.String())
	}

	job, err := s.getJob(ctx, userID, id)
	if err != nil {
		return domain.Progress{}, err
	}
	p := job.Progress()
	// Only terminal snapshots are cached, so a fill can never overwrite a
	// newer state published by a worker.
	if p.Status.Terminal() {
		s.cacheProgress(ctx, key, cachedProgress{UserID: job.UserID, Progress: p})
	}
	return p, nil
}

func (s *Service) cacheProgress(ctx context.Context, key string, entry cachedProgress) {
	if err := cache.SetJSON(ctx, s.cache, key, entry, s.opts.CacheTTL); err != nil {
		s.logger.Debug().Err(err).Str("job_id", entry.Progress.JobID).Msg("Failed to cache progress")
		return
	}
	// the job may have been deleted between the read and the fill
	id, err := uuid.Parse(entry.Progress.JobID)
	if err != nil {
		return
	}
	if _, err := s.jobs.GetByID(ctx, id); errors.Is(err, storage.ErrNotFound) {
		_ = s.cache.Delete(ctx, key)
	}
}

// Subscribe streams progress events for one of the user's jobs.
func (s *Service) Subscribe(ctx context.Context, userID string, id uuid.UUID) (<-chan domain.Progress, func(), error) {
	if _, err := s.getJob(ctx, userID, id); err != nil {
		return nil, nil, err
	}
	return s.broker.Subscribe(ctx, id.String())
}

// Delete removes a job, its files and all stored objects.
func (s *Service) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	job, err := s.getJob(ctx, userID, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, job)
}

// DeleteFile removes one finished file, its upload and its output from a
// job. Removing the last file removes the job.
func (s *Service) DeleteFile(ctx context.Context, userID string, jobID uuid.UUID, name string) error {
	job, err := s.getJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	files, err := s.files.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list job files: %w", err)
	}

	var target *storage.JobFile
	for _, f := range files {
		if f.FileName == name {
			target = f
			break
		}
	}
	if target == nil {
		return domain.NotFoundError(fmt.Sprintf("file %s not found in job %s", name, jobID))
	}
	if !target.Status.Finished() {
		return domain.ConflictError(fmt.Sprintf("file %s is still converting", name))
	}
	if len(files) == 1 {
		return s.remove(ctx, job)
	}

	keys := []string{blob.UploadKey(job.UserID, jobID.String(), target.FileName)}
	if target.OutputFileName != "" {
		keys = append(keys, blob.OutputKey(job.UserID, jobID.String(), target.OutputFileName))
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return domain.IOError(fmt.Sprintf("failed to delete %s", name), err)
		}
	}

	if err := s.files.Delete(ctx, target.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError(fmt.Sprintf("file %s not found in job %s", name, jobID))
		}
		return fmt.Errorf("delete job file: %w", err)
	}
	counts, err := s.jobs.RemoveFile(ctx, jobID, target.Status == domain.FileStatusFailed)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}

	s.logger.WithJob(jobID.String()).Info().
		Str("file", name).
		Int("remaining", counts.Total).
		Msg("File deleted")

	// a completed job whose remaining files all failed is now failed
	if job.Status == domain.JobStatusCompleted && counts.Failed >= counts.Total {
		if err := s.jobs.UpdateStatus(ctx, jobID, domain.JobStatusFailed); err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
	}
	s.publishJob(ctx, jobID, "")
	return nil
}

func (s *Service) remove(ctx context.Context, job *storage.Job) error {
	for _, prefix := range blob.JobPrefixes(job.UserID, job.ID.String()) {
		if err := s.blobs.DeletePrefix(ctx, prefix); err != nil {
			return domain.IOError("failed to delete job files", err)
		}
	}
	if err := s.jobs.Delete(ctx, job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete job: %w", err)
	}
	_ = s.cache.Delete(ctx, cache.JobKey(job.ID.String()))
	return nil
}

// Output is an open converted file.
type Output struct {
	Name        string
	ContentType string
	Body        io.ReadCloser
}

// OpenOutput opens a converted file of the job. Only names recorded as
// outputs of the job can be opened.
func (s *Service) OpenOutput(ctx context.Context, userID string, jobID uuid.UUID, name string) (*Output, error) {
	job, err := s.getJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job files: %w", err)
	}

	for _, f := range files {
		if f.Status != domain.FileStatusDone || f.OutputFileName == "" || f.OutputFileName != name {
			continue
		}
		rc, err := s.blobs.Get(ctx, blob.OutputKey(job.UserID, jobID.String(), f.OutputFileName))
		if errors.Is(err, blob.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, domain.IOError("failed to open output", err)
		}
		ct, body, err := blob.DetectContentType(rc)
		if err != nil {
			rc.Close()
			return nil, domain.IOError("failed to read output", err)
		}
		return &Output{Name: f.OutputFileName, ContentType: ct, Body: readCloser{body, rc}}, nil
	}
	return nil, domain.NotFoundError(fmt.Sprintf("file %s not found in job %s", name, jobID))
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Shutdown stops accepting work and waits for queued conversions.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.dispatcher.Stop(ctx)
}
