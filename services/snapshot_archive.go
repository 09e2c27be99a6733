package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"

	appContext "github.com/alphabatem/common/context"
	"github.com/lac-hong-legacy/ven_quota/model"
	"github.com/lac-hong-legacy/ven_quota/shared"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

const SNAPSHOT_ARCHIVE_SVC = "snapshot_archive_svc"

// SnapshotArchiveService copies closed-cycle snapshots to object storage.
// It stays disabled unless MINIO_ENDPOINT is set.
type SnapshotArchiveService struct {
	appContext.DefaultService
	client     *minio.Client
	bucketName string
	endpoint   string
	accessKey  string
	secretKey  string
	useSSL     bool
}

func (svc SnapshotArchiveService) Id() string {
	return SNAPSHOT_ARCHIVE_SVC
}

func (svc *SnapshotArchiveService) Configure(ctx *appContext.Context) error {
	svc.endpoint = os.Getenv("MINIO_ENDPOINT")
	svc.accessKey = os.Getenv("MINIO_ACCESS_KEY")
	svc.secretKey = os.Getenv("MINIO_SECRET_KEY")
	svc.useSSL = os.Getenv("MINIO_USE_SSL") == "true"
	svc.bucketName = getEnvString("MINIO_BUCKET", "quota-snapshots")

	return svc.DefaultService.Configure(ctx)
}

func (svc *SnapshotArchiveService) Start() error {
	if svc.endpoint == "" {
		log.Info("Snapshot archive disabled")
		return nil
	}

	client, err := minio.New(svc.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(svc.accessKey, svc.secretKey, ""),
		Secure: svc.useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot archive client: %v", err)
	}
	svc.client = client

	if err := svc.ensureBucket(context.Background()); err != nil {
		// Archiving is best effort; the database row is the record of truth.
		log.WithError(err).Warn("Snapshot archive bucket unavailable")
	}

	log.WithFields(log.Fields{"endpoint": svc.endpoint, "bucket": svc.bucketName}).Info("Snapshot archive started")
	return nil
}

func (svc *SnapshotArchiveService) Enabled() bool {
	return svc.client != nil
}

func (svc *SnapshotArchiveService) ensureBucket(ctx context.Context) error {
	exists, err := svc.client.BucketExists(ctx, svc.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		if err := svc.client.MakeBucket(ctx, svc.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
		log.WithField("bucket", svc.bucketName).Info("Created snapshot archive bucket")
	}
	return nil
}

// SnapshotObjectName is snapshots/<tenant>/<cycle start unix>.json.
func SnapshotObjectName(snapshot *model.QuotaUsageSnapshot) string {
	return fmt.Sprintf("snapshots/%s/%s.json", snapshot.TenantID, strconv.FormatInt(snapshot.CycleStart.Unix(), 10))
}

func (svc *SnapshotArchiveService) Archive(ctx context.Context, snapshot *model.QuotaUsageSnapshot) error {
	if svc.client == nil {
		return nil
	}

	body, err := shared.JSONMarshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = svc.client.PutObject(ctx, svc.bucketName, SnapshotObjectName(snapshot), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}
	return nil
}
