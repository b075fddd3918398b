package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	rserrors "github.com/alexjbarnes/receipt-sync/internal/errors"
)

// maxDownloadBytes caps a single object read. Receipt images and index
// files are far below this.
const maxDownloadBytes = 64 << 20

// s3API is the subset of the S3 client used by S3Provider.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds the settings for an S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Provider stores receipts in an S3-compatible bucket. Folders map to
// key prefixes and CreateFolder writes a zero-byte "folder/" marker so
// empty folders still list.
type S3Provider struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Provider builds an S3 client from cfg. Static credentials are used
// when both keys are set, otherwise the default AWS credential chain.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must not be empty")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Provider(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Provider(client s3API, bucket, prefix string) *S3Provider {
	return &S3Provider{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (p *S3Provider) folderKey(folder string) (string, error) {
	clean, err := cleanFolder(folder)
	if err != nil {
		return "", err
	}

	key := path.Join(p.prefix, clean)
	if key == "" || key == "." {
		return "", nil
	}

	return key + "/", nil
}

func (p *S3Provider) objectKey(folder, filename string) (string, error) {
	if err := validName(filename); err != nil {
		return "", err
	}

	dir, err := p.folderKey(folder)
	if err != nil {
		return "", err
	}

	return dir + filename, nil
}

// UploadFile puts the object, replacing any existing one.
func (p *S3Provider) UploadFile(ctx context.Context, folder, filename string, data []byte) error {
	key, err := p.objectKey(folder, filename)
	if err != nil {
		return err
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(filename)),
	})
	if err != nil {
		return classify("uploading "+key, err)
	}

	return nil
}

// DownloadFile returns the object contents, or nil for a missing key.
func (p *S3Provider) DownloadFile(ctx context.Context, folder, filename string) ([]byte, error) {
	key, err := p.objectKey(folder, filename)
	if err != nil {
		return nil, err
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, classify("downloading "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxDownloadBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading %s: %w", key, err)}
	}

	return data, nil
}

// ListFiles lists the objects and common prefixes directly under folder.
func (p *S3Provider) ListFiles(ctx context.Context, folder string) ([]string, error) {
	prefix, err := p.folderKey(folder)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("listing "+prefix, err)
		}

		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" && !strings.Contains(name, "/") {
				seen[name] = true
			}
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				seen[name] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

// CreateFolder writes the folder marker object.
func (p *S3Provider) CreateFolder(ctx context.Context, folder string) error {
	key, err := p.folderKey(folder)
	if err != nil {
		return err
	}

	if key == "" {
		return nil
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return classify("creating "+key, err)
	}

	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}

	return false
}

// classify wraps an SDK error with ErrTransport and marks throttling,
// server faults and network failures as transient.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w: %w", op, rserrors.ErrTransport, err)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return &TransientError{Err: wrapped}
		}

		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return &TransientError{Err: wrapped}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: wrapped}
	}

	return wrapped
}

func contentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
