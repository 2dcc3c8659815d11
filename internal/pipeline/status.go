package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fpang/shipment-bundler/internal/store"
)

// JobStatus is the externally visible view of a job.
type JobStatus struct {
	JobID             string         `json:"job_id"`
	State             store.JobState `json:"state"`
	SourceObject      string         `json:"source_object"`
	TotalItems        int            `json:"total_items"`
	PackagesTotal     int            `json:"packages_total"`
	PackagesCompleted int            `json:"packages_completed"`
	PackagesFailed    int            `json:"packages_failed"`
	ItemsProcessed    int            `json:"items_processed"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	Summary           *store.Summary `json:"result_summary,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// PackageStatus is one row of a completeness report.
type PackageStatus struct {
	Number      int                 `json:"package_number"`
	State       store.PackageState  `json:"state"`
	Items       int                 `json:"items"`
	Attempts    int                 `json:"attempts"`
	ArchiveKey  string              `json:"archive_key,omitempty"`
	Stats       *store.PackageStats `json:"stats,omitempty"`
	Error       string              `json:"error,omitempty"`
	LastUpdated time.Time           `json:"updated_at"`
}

// Completeness reports how far a job's packages have progressed.
type Completeness struct {
	JobID           string          `json:"job_id"`
	Expected        int             `json:"expected"`
	Completed       int             `json:"completed"`
	Failed          int             `json:"failed"`
	Running         int             `json:"running"`
	Pending         int             `json:"pending"`
	PercentComplete float64         `json:"percent_complete"`
	AllTerminal     bool            `json:"all_terminal"`
	Packages        []PackageStatus `json:"packages"`
}

// StatusReader answers status queries from the state store.
type StatusReader struct {
	state store.Store
}

// NewStatusReader returns a StatusReader.
func NewStatusReader(state store.Store) *StatusReader {
	return &StatusReader{state: state}
}

// Job returns the job view or store.ErrNotFound.
func (s *StatusReader) Job(ctx context.Context, jobID string) (*JobStatus, error) {
	j, err := s.state.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{
		JobID:             j.ID,
		State:             j.State,
		SourceObject:      j.SourceObject,
		TotalItems:        j.TotalItems,
		PackagesTotal:     j.TotalPackages,
		PackagesCompleted: j.PackagesCompleted,
		PackagesFailed:    j.PackagesFailed,
		ItemsProcessed:    j.ItemsProcessed,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
		Summary:           j.Summary,
		Error:             j.Error,
	}, nil
}

// Packages returns the completeness report for a job.
func (s *StatusReader) Packages(ctx context.Context, jobID string) (*Completeness, error) {
	j, err := s.state.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	pkgs, err := s.state.ListPackages(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}

	c := &Completeness{JobID: jobID, Expected: j.TotalPackages, Packages: make([]PackageStatus, 0, len(pkgs))}
	for _, p := range pkgs {
		switch p.State {
		case store.PackageCompleted:
			c.Completed++
		case store.PackageFailed:
			c.Failed++
		case store.PackageRunning:
			c.Running++
		default:
			c.Pending++
		}
		row := PackageStatus{
			Number:      p.Number,
			State:       p.State,
			Items:       len(p.ItemIDs),
			Attempts:    p.Attempts,
			Stats:       p.Stats,
			Error:       p.Error,
			LastUpdated: p.UpdatedAt,
		}
		if p.Stats != nil {
			row.ArchiveKey = p.Stats.ArchiveKey
		}
		c.Packages = append(c.Packages, row)
	}
	// Records not yet written count as pending.
	if missing := c.Expected - len(pkgs); missing > 0 {
		c.Pending += missing
	}
	if c.Expected > 0 {
		c.PercentComplete = math.Round(float64(c.Completed+c.Failed)/float64(c.Expected)*10000) / 100
	}
	c.AllTerminal = c.Expected > 0 && c.Completed+c.Failed == c.Expected
	return c, nil
}
