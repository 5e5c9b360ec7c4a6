package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const metadataFile = "backup-metadata.json"

// Snapshotter produces a consistent on-disk copy of a database
type Snapshotter interface {
	Name() string
	SnapshotTo(ctx context.Context, path string) error
}

// BackupMetadata is stored beside the snapshot inside the archive
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupJob uploads a tar.gz snapshot of the database to the archive bucket
type BackupJob struct {
	uploader Uploader
	bucket   string
	prefix   string
	db       Snapshotter
	tmpDir   string
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewBackupJob creates a backup job staging files under tmpDir
func NewBackupJob(uploader Uploader, bucket, prefix string, db Snapshotter, tmpDir string, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		db:       db,
		tmpDir:   tmpDir,
		timeout:  15 * time.Minute,
		now:      time.Now,
		log:      log.With().Str("service", "backup").Logger(),
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "database_backup"
}

// Run snapshots, archives and uploads the database
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.Backup(ctx)
	return err
}

// Backup performs one backup and returns the object key
func (j *BackupJob) Backup(ctx context.Context) (string, error) {
	start := j.now()

	stagingDir, err := os.MkdirTemp(j.tmpDir, "backup-staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	filename := j.db.Name() + ".db"
	snapshotPath := filepath.Join(stagingDir, filename)
	if err := j.db.SnapshotTo(ctx, snapshotPath); err != nil {
		return "", err
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: start.UTC(),
		Database:  j.db.Name(),
		Filename:  filename,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	if err := writeMetadata(filepath.Join(stagingDir, metadataFile), metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := fmt.Sprintf("%s-backup-%s.tar.gz", j.db.Name(), start.UTC().Format("2006-01-02-150405"))
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, []string{filename, metadataFile}); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	key := path.Join(j.prefix, "backups", archiveName)
	_, err = j.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/gzip"),
		Metadata:    map[string]string{"checksum": checksum},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	j.log.Info().
		Str("key", key).
		Int64("snapshot_bytes", info.Size()).
		Dur("duration_ms", j.now().Sub(start)).
		Msg("Database backup uploaded")
	return key, nil
}

func fileChecksum(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(filePath string, metadata BackupMetadata) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive writes names from sourceDir into a tar.gz at archivePath
func createArchive(archivePath, sourceDir string, names []string) (err error) {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := archiveFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, name := range names {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tarWriter, file)
	return err
}
