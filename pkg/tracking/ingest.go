package tracking

import (
	"context"
	"fmt"

	"github.com/3leaps/tunedispatch/pkg/provider"
	"github.com/3leaps/tunedispatch/pkg/telemetry"
)

type ingestRequest struct {
	BatchID string             `json:"batch_id"`
	Records []telemetry.Record `json:"records"`
}

// Ingest posts one telemetry batch to a run.
func (c *Client) Ingest(ctx context.Context, runID string, batch telemetry.Batch) error {
	req := ingestRequest{BatchID: batch.ID, Records: batch.Records}
	return c.rest.Post(ctx, runPath(runID)+"/telemetry", req, nil)
}

// RunResolver maps a job_id to its tracking run id.
type RunResolver func(jobID string) (runID string, err error)

// Sink adapts the bulk ingest endpoint to telemetry.Sink.
type Sink struct {
	Client  *Client
	Resolve RunResolver
}

func (s Sink) Upload(ctx context.Context, batch telemetry.Batch) error {
	runID := batch.JobID
	if s.Resolve != nil {
		id, err := s.Resolve(batch.JobID)
		if err != nil {
			return err
		}
		runID = id
	}
	if runID == "" {
		return fmt.Errorf("job %s: no tracking run: %w", batch.JobID, provider.ErrNotFound)
	}
	return s.Client.Ingest(ctx, runID, batch)
}

var _ telemetry.Sink = Sink{}
