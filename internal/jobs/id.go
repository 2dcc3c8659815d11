// Package jobs holds job and package identity plus the object naming scheme
// shared by every stage.
package jobs

import (
	"fmt"

	"github.com/google/uuid"
)

// NewJobID returns a fresh random job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// PackageID is the deterministic identifier for package n of a job. The same
// inputs always yield the same UUIDv5, so redelivered work maps to the same
// record.
func PackageID(jobID string, number int) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, fmt.Appendf(nil, "%s-package-%d", jobID, number)).String()
}

// PackageCount returns ceil(items / perPackage).
func PackageCount(items, perPackage int) int {
	if items <= 0 || perPackage <= 0 {
		return 0
	}
	return (items + perPackage - 1) / perPackage
}

// Label renders "n/m".
func Label(number, count int) string {
	return fmt.Sprintf("%d/%d", number, count)
}
