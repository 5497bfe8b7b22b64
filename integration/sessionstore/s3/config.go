package s3

import (
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/config"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds S3 backend settings loadable from the environment.
type Config struct {
	Bucket         string `env:"SESSION_S3_BUCKET,required"`
	Region         string `env:"SESSION_S3_REGION" envDefault:"us-east-1"`
	AccessKeyID    string `env:"SESSION_S3_ACCESS_KEY_ID"`
	SecretKey      string `env:"SESSION_S3_SECRET_KEY"`
	Endpoint       string `env:"SESSION_S3_ENDPOINT"` // For S3-compatible services like MinIO
	ForcePathStyle bool   `env:"SESSION_S3_FORCE_PATH_STYLE" envDefault:"false"`
	Prefix         string `env:"SESSION_S3_PREFIX" envDefault:"sessions/"`
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	client           S3Client
	httpClient       *http.Client
	configOptions    []func(*config.LoadOptions) error
	clientOptions    []func(*s3aws.Options)
	logger           *slog.Logger
	deleteUnreadable bool
}

// WithS3Client sets a pre-configured client, skipping AWS config loading.
func WithS3Client(client S3Client) Option {
	return func(o *storeOptions) {
		o.client = client
	}
}

// WithHTTPClient sets the HTTP client used for S3 requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *storeOptions) {
		o.httpClient = client
	}
}

// WithS3ConfigOption adds an AWS config load option.
func WithS3ConfigOption(option func(*config.LoadOptions) error) Option {
	return func(o *storeOptions) {
		o.configOptions = append(o.configOptions, option)
	}
}

// WithS3ClientOption adds an S3 client option.
func WithS3ClientOption(option func(*s3aws.Options)) Option {
	return func(o *storeOptions) {
		o.clientOptions = append(o.clientOptions, option)
	}
}

// WithDeleteUnreadable removes objects whose content cannot be decoded.
func WithDeleteUnreadable(enabled bool) Option {
	return func(o *storeOptions) {
		o.deleteUnreadable = enabled
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}
