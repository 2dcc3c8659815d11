package batch

import (
	"math"
	"time"

	"github.com/fpang/shipment-bundler/internal/jobs"
)

// Split cuts items into contiguous, order-preserving slices of at most
// perPackage items. The last slice holds the remainder.
func Split(items []Item, perPackage int) [][]Item {
	if perPackage < 1 {
		perPackage = len(items)
	}
	count := jobs.PackageCount(len(items), perPackage)
	out := make([][]Item, 0, count)
	for start := 0; start < len(items); start += perPackage {
		end := min(start+perPackage, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// Coverage summarizes how many items have at least one image reference.
type Coverage struct {
	TotalItems       int     `json:"total_items"`
	WithImages       int     `json:"items_with_images"`
	WithoutImages    int     `json:"items_without_images"`
	TotalImages      int     `json:"total_images"`
	CoveragePercent  float64 `json:"coverage_percentage"`
	AvgImagesPerItem float64 `json:"avg_images_per_item"`
}

// ComputeCoverage counts image coverage of items against refs.
func ComputeCoverage(items []Item, refs map[string][]string) Coverage {
	c := Coverage{TotalItems: len(items)}
	for _, it := range items {
		n := len(refs[it.ID])
		if n > 0 {
			c.WithImages++
		}
		c.TotalImages += n
	}
	c.WithoutImages = c.TotalItems - c.WithImages
	if c.TotalItems > 0 {
		c.CoveragePercent = round2(float64(c.WithImages) / float64(c.TotalItems) * 100)
		c.AvgImagesPerItem = round2(float64(c.TotalImages) / float64(c.TotalItems))
	}
	return c
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Plan is the full partitioning of one batch.
type Plan struct {
	JobID        string
	SourceObject string
	TotalItems   int
	Packages     []PackagePlan
	Coverage     Coverage
}

// PackagePlan is one package before it is persisted.
type PackagePlan struct {
	Number    int
	Count     int
	ID        string
	Items     []Item
	AssetRefs map[string][]string
	Metadata  Metadata
	Coverage  Coverage
}

// ItemIDs returns the package's item identifiers in order.
func (p PackagePlan) ItemIDs() []string {
	ids := make([]string, len(p.Items))
	for i, it := range p.Items {
		ids[i] = it.ID
	}
	return ids
}

// IDRange is the first and last item identifier of a package.
type IDRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Metadata is the descriptive block written into every package document.
type Metadata struct {
	JobID              string    `json:"job_id"`
	PackageID          string    `json:"package_id"`
	PackageNumber      int       `json:"package_number"`
	PackageCount       int       `json:"package_count"`
	Label              string    `json:"package_label"`
	OriginalFile       string    `json:"original_file"`
	OriginalTotalItems int       `json:"original_total_items"`
	ItemCount          int       `json:"package_item_count"`
	ImageCount         int       `json:"package_image_count"`
	CreatedAt          time.Time `json:"created_at"`
	IDRange            IDRange   `json:"id_range"`
}

// NewPlan partitions b into packages of at most perPackage items. refs maps
// item id to image paths; ids absent from refs get an empty list.
func NewPlan(jobID, source string, b *Batch, refs map[string][]string, perPackage int, now time.Time) *Plan {
	slices := Split(b.Items, perPackage)
	count := len(slices)
	plan := &Plan{
		JobID:        jobID,
		SourceObject: source,
		TotalItems:   len(b.Items),
		Packages:     make([]PackagePlan, 0, count),
		Coverage:     ComputeCoverage(b.Items, refs),
	}

	for i, items := range slices {
		number := i + 1
		assetRefs := make(map[string][]string, len(items))
		for _, it := range items {
			paths := refs[it.ID]
			if paths == nil {
				paths = []string{}
			}
			assetRefs[it.ID] = paths
		}
		cov := ComputeCoverage(items, refs)
		id := jobs.PackageID(jobID, number)
		plan.Packages = append(plan.Packages, PackagePlan{
			Number:    number,
			Count:     count,
			ID:        id,
			Items:     items,
			AssetRefs: assetRefs,
			Coverage:  cov,
			Metadata: Metadata{
				JobID:              jobID,
				PackageID:          id,
				PackageNumber:      number,
				PackageCount:       count,
				Label:              jobs.Label(number, count),
				OriginalFile:       source,
				OriginalTotalItems: len(b.Items),
				ItemCount:          len(items),
				ImageCount:         cov.TotalImages,
				CreatedAt:          now.UTC(),
				IDRange:            IDRange{Start: items[0].ID, End: items[len(items)-1].ID},
			},
		})
	}
	return plan
}
