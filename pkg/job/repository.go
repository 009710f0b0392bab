package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DominicWuest/perfscepter/pkg/store"
	"github.com/cockroachdb/errors"
)

const (
	// Kind is the document kind jobs are stored under, indexed by their status.
	Kind = "job"

	// CancelKind is the document kind of pending cancellation requests. They are stored apart
	// from jobs so a driving pass overwriting the job cannot lose them.
	CancelKind = "job-cancel"
)

// A CancelRequest asks the next driving pass to cancel a running job.
type CancelRequest struct {
	By        string    `json:"by"`
	Reason    string    `json:"reason"`
	Requested time.Time `json:"requested"`
}

// Repository persists jobs in a document store.
type Repository struct {
	docs store.Documents
}

// NewRepository returns a repository storing jobs in docs.
func NewRepository(docs store.Documents) *Repository {
	return &Repository{docs: docs}
}

// Get loads the job with the given id.
func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := store.GetJSON(ctx, r.docs, Kind, id, &j); err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	return &j, nil
}

// Save writes j, overwriting any stored version.
func (r *Repository) Save(ctx context.Context, j *Job) error {
	if err := store.PutJSON(ctx, r.docs, Kind, j.ID, string(j.Status), j); err != nil {
		return errors.Wrapf(err, "failed to save job %s", j.ID)
	}
	return nil
}

// List returns up to limit jobs with the given status, or of any status if status is empty,
// with an id greater than cursor. The returned cursor is empty on the last page.
func (r *Repository) List(ctx context.Context, status Status, cursor string, limit int) ([]*Job, string, error) {
	page, err := r.docs.List(ctx, Kind, store.ListOptions{Index: string(status), Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to list jobs")
	}
	jobs := make([]*Job, 0, len(page.Documents))
	for _, doc := range page.Documents {
		var j Job
		if err := json.Unmarshal(doc.Data, &j); err != nil {
			return nil, "", errors.Wrapf(err, "failed to decode job %s", doc.ID)
		}
		jobs = append(jobs, &j)
	}
	return jobs, page.Next, nil
}

// EachID calls fn with the id of every job with the given status, reading pageSize ids at a time.
func (r *Repository) EachID(ctx context.Context, status Status, pageSize int, fn func(id string) error) error {
	return store.Each(ctx, r.docs, Kind, store.ListOptions{Index: string(status), Limit: pageSize}, func(doc store.Document) error {
		return fn(doc.ID)
	})
}

// RequestCancel records a cancellation request for the job with the given id.
func (r *Repository) RequestCancel(ctx context.Context, id string, req CancelRequest) error {
	if err := store.PutJSON(ctx, r.docs, CancelKind, id, "", req); err != nil {
		return errors.Wrapf(err, "failed to record cancellation of job %s", id)
	}
	return nil
}

// CancelRequest returns the pending cancellation request of the job with the given id, or nil.
func (r *Repository) CancelRequest(ctx context.Context, id string) (*CancelRequest, error) {
	var req CancelRequest
	err := store.GetJSON(ctx, r.docs, CancelKind, id, &req)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read cancellation of job %s", id)
	}
	return &req, nil
}
