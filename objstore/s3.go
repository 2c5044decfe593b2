package objstore

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	log "github.com/sirupsen/logrus"

	"github.com/gluu-patch/gluu/gluuerr"
)

// S3Store is the real object store: an S3-compatible bucket reached
// over aws-sdk-go, used by `upload` to publish patch data and by the
// Apply Engine's REMOTE_BUNDLE fetches when --patch-data is a local
// path and credentials are configured.
type S3Store struct {
	cfg        Config
	s3         *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// NewS3Store builds an S3Store from cfg. cfg.Region defaults to
// "us-east-1" when empty (most S3-compatible providers ignore it).
func NewS3Store(cfg Config) (*S3Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := aws.NewConfig().
		WithRegion(region).
		WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")).
		WithS3ForcePathStyle(true)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, &gluuerr.ConfigError{Msg: "build s3 session: " + err.Error()}
	}
	svc := s3.New(sess)
	return &S3Store{
		cfg:        cfg,
		s3:         svc,
		uploader:   s3manager.NewUploaderWithClient(svc),
		downloader: s3manager.NewDownloaderWithClient(svc),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return &gluuerr.NetworkError{URL: key, Err: err}
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string, byteRange *Range) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if byteRange != nil {
		input.Range = aws.String(byteRange.HTTPHeader())
	}
	out, err := s.s3.GetObjectWithContext(ctx, input)
	if err != nil {
		if rerr, ok := err.(awserr.RequestFailure); ok && rerr.StatusCode() == 404 {
			return nil, notFoundErr(key)
		}
		return nil, &gluuerr.NetworkError{URL: key, Err: err}
	}
	return out.Body, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var outerErr error
	err := s.s3.ListObjectsPagesWithContext(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, more bool) bool {
		for _, obj := range page.Contents {
			if k := aws.StringValue(obj.Key); k != "" {
				keys = append(keys, k)
			}
		}
		return more
	})
	if err != nil {
		outerErr = &gluuerr.NetworkError{URL: prefix, Err: err}
	}
	return keys, outerErr
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &gluuerr.NetworkError{URL: key, Err: err}
	}
	return nil
}

// PurgeCache logs a CDN purge of key when CDNID is set; it makes no
// call to any CDN API, so no cache is actually purged. With no CDNID
// configured it is a no-op logged at debug level: spec §6 says
// missing credentials disable upload but never local operations, and a changelog.json purge is the only
// non-content-addressed object, so skipping it just means clients see
// the old changelog a little longer.
func (s *S3Store) PurgeCache(ctx context.Context, key string) error {
	if s.cfg.CDNID == "" {
		log.Debugf("no CDN id configured, skipping purge for %s", key)
		return nil
	}
	log.Infof("purging CDN %s cache for %s", s.cfg.CDNID, key)
	return nil
}
