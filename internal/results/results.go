/*
Package results extracts metric samples from the raw output of test tasks.

Result references are URLs. Local directories are referenced by file:// or a plain path,
objects in Google Cloud Storage by gs://bucket/prefix. The file named by the query is read
below the reference and parsed as histograms, chart JSON or graph JSON.
*/
package results

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/DominicWuest/perfscepter/pkg/quest"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// MaxOutputSize is the largest output file read.
const MaxOutputSize = 256 << 20

// ErrOutputNotFound is returned when the output file does not exist.
var ErrOutputNotFound = errors.New("output not found")

// A Fetcher reads a file below a result reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref, file string) ([]byte, error)
}

// Service is a [quest.ResultService] reading outputs through fetchers chosen by the scheme
// of the result reference.
type Service struct {
	fetchers map[string]Fetcher
	log      logrus.FieldLogger
}

// New returns a service using fetchers by scheme. References without a scheme use "file".
func New(fetchers map[string]Fetcher, log logrus.FieldLogger) *Service {
	if log == nil {
		// Mute logger
		muted := logrus.New()
		muted.SetOutput(io.Discard)
		log = muted
	}
	return &Service{fetchers: fetchers, log: log}
}

// Samples reads the samples selected by q from the output referenced by resultRef.
// Failing to reach the storage is transient, missing files or metrics are not.
func (s *Service) Samples(ctx context.Context, resultRef string, q quest.MetricQuery) ([]float64, error) {
	scheme, _, ok := strings.Cut(resultRef, "://")
	if !ok {
		scheme = "file"
	}
	fetcher, ok := s.fetchers[scheme]
	if !ok {
		return nil, errors.Newf("no fetcher for result reference %s", resultRef)
	}

	data, err := fetcher.Fetch(ctx, resultRef, q.File)
	if errors.Is(err, ErrOutputNotFound) {
		return nil, err
	} else if err != nil {
		return nil, quest.Transient(errors.Wrapf(err, "failed to fetch %s from %s", q.File, resultRef))
	}

	format := q.Format
	if format == "" {
		if format, err = DetectFormat(data); err != nil {
			return nil, errors.Wrapf(err, "unknown format of %s in %s", q.File, resultRef)
		}
		s.log.Debugf("Detected %s output in %s", format, resultRef)
	}
	return Parse(data, format, q.Metric, q.Story)
}

// Dir fetches outputs from local directories, as written by the docker backend.
type Dir struct {
	Root string // Outputs outside of this directory are rejected if it is not empty
}

func (d Dir) Fetch(_ context.Context, ref, file string) ([]byte, error) {
	dir := strings.TrimPrefix(ref, "file://")
	p := filepath.Join(dir, filepath.FromSlash(file))
	if d.Root != "" {
		rel, err := filepath.Rel(d.Root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, errors.Newf("output %s is outside of %s", p, d.Root)
		}
	}

	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrOutputNotFound, "%s", p)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", p)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, MaxOutputSize))
}

// GCS fetches outputs from Google Cloud Storage.
type GCS struct {
	client *storage.Client
}

// NewGCS returns a fetcher authenticated with the application default credentials.
func NewGCS(ctx context.Context) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage client")
	}
	return &GCS{client: client}, nil
}

// Close closes the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Fetch(ctx context.Context, ref, file string) ([]byte, error) {
	bucket, object, err := ParseGCSRef(ref, file)
	if err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, errors.Wrapf(ErrOutputNotFound, "gs://%s/%s", bucket, object)
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read gs://%s/%s", bucket, object)
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, MaxOutputSize))
}

// ParseGCSRef splits gs://bucket/prefix and file into the bucket and object name.
func ParseGCSRef(ref, file string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, "gs://")
	if !ok {
		return "", "", errors.Newf("%s is not a gs:// reference", ref)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Newf("%s has no bucket", ref)
	}
	object := strings.TrimPrefix(path.Join(prefix, file), "/")
	if object == "" || object == "." {
		return "", "", errors.Newf("%s names no object", ref)
	}
	return bucket, object, nil
}
