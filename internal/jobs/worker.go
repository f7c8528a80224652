package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/convertx/internal/blob"
	"github.com/spherical-ai/convertx/internal/cache"
	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/engine"
	"github.com/spherical-ai/convertx/internal/formats"
	"github.com/spherical-ai/convertx/internal/storage"
)

// process converts one file. Bookkeeping runs on a context detached from
// the dispatcher so a shutdown still records the outcome.
func (s *Service) process(ctx context.Context, t task) {
	bk := context.WithoutCancel(ctx)
	log := s.logger.WithJob(t.jobID.String()).WithOperation("convert")

	started, err := s.jobs.MarkProcessing(bk, t.jobID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mark job processing")
	}
	if started {
		s.publishJob(bk, t.jobID, "")
	}

	if err := s.files.UpdateStatus(bk, t.fileID, domain.FileStatusProcessing, ""); err != nil {
		log.Error().Err(err).Str("file", t.fileName).Msg("Failed to mark file processing")
	}

	start := time.Now()
	err = s.convert(ctx, t)
	if err != nil {
		log.Warn().
			Err(err).
			Str("file", t.fileName).
			Str("engine", t.engineID).
			Dur("duration", time.Since(start)).
			Msg("Conversion failed")
		s.failFile(bk, t, failureMessage(err))
		return
	}

	if err := s.files.SetOutput(bk, t.fileID, t.outputName); err != nil {
		log.Error().Err(err).Msg("Failed to record output")
		s.failFile(bk, t, "failed to record output")
		return
	}
	if err := s.files.UpdateStatus(bk, t.fileID, domain.FileStatusDone, ""); err != nil {
		log.Error().Err(err).Msg("Failed to mark file done")
	}

	log.Info().
		Str("file", t.fileName).
		Str("output", t.outputName).
		Str("engine", t.engineID).
		Dur("duration", time.Since(start)).
		Msg("File converted")
	s.finishFile(bk, t, false)
}

// convert stages the upload in a scratch directory, runs the engine and
// stores the result.
func (s *Service) convert(ctx context.Context, t task) error {
	e, err := s.registry.Get(t.engineID)
	if err != nil {
		return err
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	if s.opts.WorkDir != "" {
		if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
			return domain.IOError("failed to create work directory", err)
		}
	}
	dir, err := os.MkdirTemp(s.opts.WorkDir, "convertx-*")
	if err != nil {
		return domain.IOError("failed to create work directory", err)
	}
	defer os.RemoveAll(dir)

	inDir, outDir := filepath.Join(dir, "in"), filepath.Join(dir, "out")
	for _, d := range []string{inDir, outDir} {
		if err := os.Mkdir(d, 0o755); err != nil {
			return domain.IOError("failed to create work directory", err)
		}
	}

	// engines that derive the output name from the input need matching stems
	ext := formats.Ext(t.fileName)
	if ext == "" {
		ext = t.from
	}
	req := engine.Request{
		InputPath:  filepath.Join(inDir, formats.Stem(t.outputName)+"."+ext),
		OutputPath: filepath.Join(outDir, t.outputName),
		From:       t.from,
		To:         t.to,
		Options:    t.options,
	}

	if err := s.download(ctx, blob.UploadKey(t.userID, t.jobID.String(), t.fileName), req.InputPath); err != nil {
		return err
	}

	if err := e.Converter.Convert(ctx, req); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ConversionError(fmt.Sprintf("conversion timed out after %s", s.opts.Timeout), err)
		}
		return err
	}

	out, err := os.Open(req.OutputPath)
	if err != nil {
		return domain.ConversionError("output file was not created", err)
	}
	defer out.Close()
	info, err := out.Stat()
	if err != nil {
		return domain.IOError("failed to stat output", err)
	}

	mtype, body, err := blob.Sniff(out)
	if err != nil {
		return domain.IOError("failed to read output", err)
	}
	key := blob.OutputKey(t.userID, t.jobID.String(), t.outputName)
	if err := s.blobs.Put(ctx, key, body, info.Size(), mtype.String()); err != nil {
		return domain.IOError("failed to store output", err)
	}
	return nil
}

func (s *Service) download(ctx context.Context, key, dst string) error {
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return domain.IOError("failed to open upload", err)
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return domain.IOError("failed to stage upload", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return domain.IOError("failed to stage upload", err)
	}
	if err := f.Close(); err != nil {
		return domain.IOError("failed to stage upload", err)
	}
	return nil
}

// failureMessage is the error recorded on a failed file, without the
// error type prefix.
func failureMessage(err error) string {
	var de *domain.DomainError
	if !errors.As(err, &de) {
		return err.Error()
	}
	if de.Err != nil {
		return de.Message + ": " + de.Err.Error()
	}
	return de.Message
}

// failFile records a failed file and counts it towards the job.
func (s *Service) failFile(ctx context.Context, t task, msg string) {
	if err := s.files.UpdateStatus(ctx, t.fileID, domain.FileStatusFailed, msg); err != nil {
		s.logger.Error().Err(err).Str("job_id", t.jobID.String()).Msg("Failed to mark file failed")
	}
	s.finishFile(ctx, t, true)
}

// finishFile bumps the job counters and completes the job once every file
// has finished.
func (s *Service) finishFile(ctx context.Context, t task, failed bool) {
	counts, err := s.jobs.IncrementFinished(ctx, t.jobID, failed)
	if errors.Is(err, storage.ErrNotFound) {
		// deleted while running, or already complete
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", t.jobID.String()).Msg("Failed to update job progress")
		return
	}

	if counts.Complete() {
		s.finalize(ctx, t.jobID, counts)
		return
	}
	s.publishJob(ctx, t.jobID, t.fileName)
}

// finalize sets the terminal status. A job fails only when none of its
// files converted.
func (s *Service) finalize(ctx context.Context, jobID uuid.UUID, counts storage.Counts) {
	status := domain.JobStatusCompleted
	if counts.Failed >= counts.Total {
		status = domain.JobStatusFailed
	}
	if err := s.jobs.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("Failed to finalize job")
		return
	}

	s.logger.WithJob(jobID.String()).Info().
		Str("status", string(status)).
		Int("files", counts.Total).
		Int("failed", counts.Failed).
		Msg("Job finished")
	s.publishJob(ctx, jobID, "")
}

// publishJob reloads the job, refreshes its cached progress and publishes it.
func (s *Service) publishJob(ctx context.Context, jobID uuid.UUID, file string) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to load job for progress")
		}
		return
	}
	p := job.Progress()
	p.File = file
	s.publish(ctx, p)
}

func (s *Service) publish(ctx context.Context, p domain.Progress) {
	_ = s.cache.Delete(ctx, cache.JobKey(p.JobID))
	if err := s.broker.Publish(ctx, p); err != nil {
		s.logger.Warn().Err(err).Str("job_id", p.JobID).Msg("Failed to publish progress")
	}
}

// Recover fails files left unfinished by a previous process and completes
// their jobs. It returns the number of files it recovered.
func (s *Service) Recover(ctx context.Context) (int, error) {
	files, err := s.files.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished files: %w", err)
	}

	for _, f := range files {
		s.failFile(ctx, task{jobID: f.JobID, fileID: f.ID, fileName: f.FileName}, interruptedMessage)
	}

	// jobs whose uploads never finished storing have no files to recover
	stale, err := s.jobs.ListByStatus(ctx, domain.JobStatusNotStarted)
	if err != nil {
		return len(files), fmt.Errorf("list unstarted jobs: %w", err)
	}
	for _, job := range stale {
		if err := s.remove(ctx, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to remove unstarted job")
		}
	}

	// counters can be complete without a terminal status after a crash
	active, err := s.jobs.ListByStatus(ctx, domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return len(files), fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		counts := storage.Counts{Total: job.NumFiles, Finished: job.FinishedFiles, Failed: job.FailedFiles}
		if counts.Complete() {
			s.finalize(ctx, job.ID, counts)
		}
	}

	if len(files) > 0 || len(stale) > 0 {
		s.logger.Info().
			Int("files", len(files)).
			Int("unstarted_jobs", len(stale)).
			Msg("Recovered interrupted jobs")
	}
	return len(files), nil
}
