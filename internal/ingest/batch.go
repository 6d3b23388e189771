package ingest

import (
	"context"

	"coldchain-monitor/internal/models"
	"coldchain-monitor/internal/parser"
)

// BatchError is a rejected record in a replayed file
type BatchError struct {
	Line int
	Err  error
}

// BatchResult summarizes a replay
type BatchResult struct {
	Accepted        int
	Rejected        int
	AlertsGenerated int
	Results         []models.IngestResult
	Errors          []BatchError
}

// IngestBatch stores buffered payloads in order, each in its own
// transaction. A rejected record does not stop the batch; a cancelled
// context does.
func (s *Service) IngestBatch(ctx context.Context, records []parser.Record) (BatchResult, error) {
	var br BatchResult
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return br, err
		}

		res, err := s.Ingest(ctx, rec.Body)
		if err != nil {
			br.Rejected++
			br.Errors = append(br.Errors, BatchError{Line: rec.Line, Err: err})
			continue
		}
		br.Accepted++
		br.AlertsGenerated += res.AlertsGenerated
		br.Results = append(br.Results, res)
	}
	return br, nil
}
