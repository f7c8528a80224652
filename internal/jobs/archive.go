package jobs

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/spherical-ai/convertx/internal/blob"
	"github.com/spherical-ai/convertx/internal/domain"
)

// ArchiveName is the download name of a job's zip archive.
func ArchiveName(jobID uuid.UUID) string {
	return fmt.Sprintf("convertx-%s.zip", jobID)
}

// Archive writes every converted file of the job to w as a zip archive.
// Nothing is written when the job has no outputs.
func (s *Service) Archive(ctx context.Context, userID string, jobID uuid.UUID, w io.Writer) error {
	job, err := s.getJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	files, err := s.files.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list job files: %w", err)
	}

	var names []string
	for _, f := range files {
		if f.Status == domain.FileStatusDone && f.OutputFileName != "" {
			names = append(names, f.OutputFileName)
		}
	}
	if len(names) == 0 {
		return domain.NotFoundError(fmt.Sprintf("job %s has no converted files", jobID))
	}

	zw := zip.NewWriter(w)
	for _, name := range names {
		if err := s.addToArchive(ctx, zw, blob.OutputKey(job.UserID, jobID.String(), name), name); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func (s *Service) addToArchive(ctx context.Context, zw *zip.Writer, key, name string) error {
	rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return domain.IOError(fmt.Sprintf("failed to open %s", name), err)
	}
	defer rc.Close()

	fw, err := zw.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return domain.IOError(fmt.Sprintf("failed to archive %s", name), err)
	}
	return nil
}
