package params

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/klog/v2"
)

// FetchOptions configures remote archive retrieval for s3 endpoints.
type FetchOptions struct {
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
}

// Fetch resolves uri to a local file path, downloading into cacheDir when
// the archive is remote. Local paths pass through unchanged. Supported
// schemes: gs://, s3://, http://, https://.
func Fetch(ctx context.Context, uri string, cacheDir string, options FetchOptions) (string, error) {
	switch {
	case strings.HasPrefix(uri, "gs://"):
		return fetchGCS(ctx, uri, cacheDir)
	case strings.HasPrefix(uri, "s3://"):
		return fetchS3(ctx, uri, cacheDir, options)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return fetchHTTP(ctx, uri, cacheDir)
	default:
		return uri, nil
	}
}

func cachePathFor(cacheDir, uri string) (string, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory %q: %w", cacheDir, err)
	}
	return filepath.Join(cacheDir, filepath.Base(uri)), nil
}

func fetchGCS(ctx context.Context, uri string, cacheDir string) (string, error) {
	log := klog.FromContext(ctx)

	destPath, err := cachePathFor(cacheDir, uri)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(destPath); err == nil {
		log.V(2).Info("parameter archive already cached", "uri", uri, "path", destPath)
		return destPath, nil
	}

	bucket, objectKey, ok := strings.Cut(strings.TrimPrefix(uri, "gs://"), "/")
	if !ok {
		return "", fmt.Errorf("malformed GCS url %q", uri)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("downloading parameter archive from GCS", "source", uri, "destination", destPath)

	startedAt := time.Now()
	r, err := client.Bucket(bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("opening object from GCS %q: %w", uri, err)
	}
	defer r.Close()

	n, err := writeToFile(ctx, r, destPath)
	if err != nil {
		return "", fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded parameter archive", "source", uri, "bytes", n, "duration", time.Since(startedAt))
	return destPath, nil
}

func fetchS3(ctx context.Context, uri string, cacheDir string, options FetchOptions) (string, error) {
	log := klog.FromContext(ctx)

	destPath, err := cachePathFor(cacheDir, uri)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(destPath); err == nil {
		log.V(2).Info("parameter archive already cached", "uri", uri, "path", destPath)
		return destPath, nil
	}

	bucket, objectKey, ok := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if !ok {
		return "", fmt.Errorf("malformed s3 url %q", uri)
	}
	if options.S3Endpoint == "" {
		return "", fmt.Errorf("s3 endpoint is required to fetch %q", uri)
	}

	client, err := minio.New(options.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(options.S3AccessKey, options.S3SecretKey, ""),
		Secure: options.S3UseSSL,
	})
	if err != nil {
		return "", fmt.Errorf("creating s3 client for %q: %w", options.S3Endpoint, err)
	}

	log.Info("downloading parameter archive from s3", "source", uri, "destination", destPath)

	startedAt := time.Now()
	obj, err := client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("opening object from s3 %q: %w", uri, err)
	}
	defer obj.Close()

	n, err := writeToFile(ctx, obj, destPath)
	if err != nil {
		return "", fmt.Errorf("downloading from s3: %w", err)
	}

	log.Info("downloaded parameter archive", "source", uri, "bytes", n, "duration", time.Since(startedAt))
	return destPath, nil
}

func fetchHTTP(ctx context.Context, uri string, cacheDir string) (string, error) {
	log := klog.FromContext(ctx)

	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", uri, err)
	}
	destPath, err := cachePathFor(cacheDir, u.Path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(destPath); err == nil {
		log.V(2).Info("parameter archive already cached", "uri", uri, "path", destPath)
		return destPath, nil
	}

	log.Info("downloading parameter archive", "url", uri, "destination", destPath)

	req, err := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading from %q: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %q downloading %q", resp.Status, uri)
	}

	if _, err := writeToFile(ctx, resp.Body, destPath); err != nil {
		return "", fmt.Errorf("downloading from %q: %w", uri, err)
	}
	return destPath, nil
}

// writeToFile streams src into destinationPath via a temp file in the same
// directory so a partial download is never observable at the final path.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(destinationPath)
	tempFile, err := os.CreateTemp(dir, "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("downloading from upstream source: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
