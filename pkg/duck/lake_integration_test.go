package duck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func integrationLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func exerciseLake(t *testing.T, ctx context.Context, lake *Lake) {
	t.Helper()

	conn, err := lake.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `
		CREATE TABLE test_reports (
			country_region VARCHAR,
			confirmed DOUBLE
		)
	`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "INSERT INTO test_reports VALUES ('US', 47)")
	require.NoError(t, err)

	var country string
	var confirmed float64
	err = conn.QueryRowContext(ctx, "SELECT country_region, confirmed FROM test_reports").Scan(&country, &confirmed)
	require.NoError(t, err)
	require.Equal(t, "US", country)
	require.Equal(t, float64(47), confirmed)
}

func TestLake_NewLake_FileCatalogFileStorage(t *testing.T) {
	ctx := context.Background()

	tmpDir := t.TempDir()
	catalogURI := "file://" + filepath.Join(tmpDir, "catalog.db")
	storageURI := "file://" + filepath.Join(tmpDir, "storage")

	lake, err := NewLake(ctx, integrationLogger(), "test_catalog", catalogURI, storageURI, nil)
	require.NoError(t, err)
	require.NotNil(t, lake)
	defer lake.Close()

	require.Equal(t, "test_catalog", lake.Catalog())
	exerciseLake(t, ctx, lake)
}

func TestLake_NewLake_PostgresCatalogFileStorage(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	storageURI := "file://" + filepath.Join(t.TempDir(), "storage")

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	catalogURI := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	lake, err := NewLake(ctx, integrationLogger(), "test_catalog", catalogURI, storageURI, nil)
	require.NoError(t, err)
	require.NotNil(t, lake)
	defer lake.Close()

	exerciseLake(t, ctx, lake)
}

func TestLake_NewLake_FileCatalogS3Storage(t *testing.T) {
	ctx := context.Background()

	minioContainer, err := minio.Run(ctx, "minio/minio:latest",
		minio.WithUsername("minioadmin"),
		minio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer func() {
		if err := minioContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup minio container: %v", err)
		}
	}()

	host, err := minioContainer.Host(ctx)
	require.NoError(t, err)
	// 127.0.0.1 avoids DNS resolution issues inside DuckDB's httpfs.
	if host == "localhost" {
		host = "127.0.0.1"
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	creds := credentials.NewStaticCredentialsProvider(minioContainer.Username, minioContainer.Password, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(creds),
	)
	require.NoError(t, err)

	endpointURL := "http://" + endpoint
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &endpointURL
		o.UsePathStyle = true // Required for MinIO
	})

	bucketName := "test-bucket"
	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucketName})
	require.NoError(t, err)

	catalogURI := "file://" + filepath.Join(t.TempDir(), "catalog.db")
	storageURI := fmt.Sprintf("s3://%s/data", bucketName)

	s3Config := &S3Config{
		AccessKeyID:     minioContainer.Username,
		SecretAccessKey: minioContainer.Password,
		Endpoint:        endpoint,
		Region:          "us-east-1",
		UseSSL:          false,
		URLStyle:        "path",
	}

	lake, err := NewLake(ctx, integrationLogger(), "test_catalog", catalogURI, storageURI, s3Config)
	require.NoError(t, err)
	require.NotNil(t, lake)
	defer lake.Close()

	exerciseLake(t, ctx, lake)
}

func TestLake_NewLake_InvalidURIs(t *testing.T) {
	ctx := context.Background()

	_, err := NewLake(ctx, integrationLogger(), "test_catalog", "", "file:///tmp/storage", nil)
	require.Error(t, err)

	_, err = NewLake(ctx, integrationLogger(), "test_catalog", "file:///tmp/catalog.db", "gs://bucket/data", nil)
	require.Error(t, err)
}
