package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// projectTag is the URL-encoded object tagging applied to every write, used
// for cost allocation.
const projectTag = "Project=shipment-bundler"

// deleteBatchSize is the DeleteObjects per-request limit.
const deleteBatchSize = 1000

// S3Store implements Store and Presigner on Amazon S3.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
}

// NewS3Store wraps an S3 client. presigner may be nil when signing is unused.
func NewS3Store(client *s3.Client, presigner *s3.PresignClient) *S3Store {
	return &S3Store{client: client, presigner: presigner}
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

func translate(op, bucket, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
	}
	return fmt.Errorf("S3 %s s3://%s/%s: %w", op, bucket, key, err)
}

// Head returns object attributes without fetching the body.
func (s *S3Store) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return ObjectInfo{}, translate("HeadObject", bucket, key, err)
	}
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// Get opens the object body. The caller closes it.
func (s *S3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Reading from S3")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, ObjectInfo{}, translate("GetObject", bucket, key, err)
	}
	return out.Body, ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// Put writes body to bucket/key with the project tag.
func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, opts PutOptions) error {
	in := &s3.PutObjectInput{
		Bucket:   &bucket,
		Key:      &key,
		Body:     body,
		Tagging:  aws.String(projectTag),
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentDisposition != "" {
		in.ContentDisposition = aws.String(opts.ContentDisposition)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("S3 PutObject s3://%s/%s: %w", bucket, key, err)
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Object written to S3")
	return nil
}

// Delete removes one object. Deleting a missing key is not an error in S3.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key}); err != nil {
		return translate("DeleteObject", bucket, key, err)
	}
	return nil
}

// List pages through every object under prefix.
func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 ListObjectsV2 s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{
				Bucket:       bucket,
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// DeleteObjects removes keys in batches of 1000.
func (s *S3Store) DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		ids := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, s3types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &s3types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("S3 DeleteObjects s3://%s: %w", bucket, err)
		}
		deleted += len(ids) - len(out.Errors)
		for _, e := range out.Errors {
			log.Warn().
				Str("bucket", bucket).
				Str("key", aws.ToString(e.Key)).
				Str("code", aws.ToString(e.Code)).
				Msg("Object not deleted")
		}
	}
	return deleted, nil
}

// PresignGet signs a GET for bucket/key valid for ttl.
func (s *S3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration, filename string) (string, error) {
	if s.presigner == nil {
		return "", errors.New("presigner not configured")
	}
	in := &s3.GetObjectInput{Bucket: &bucket, Key: &key}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	req, err := s.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign GetObject s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}
