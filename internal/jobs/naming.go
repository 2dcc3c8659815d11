package jobs

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// ArchiveKey is the archive object key for a package: {job}/{n}_images.zip.
func ArchiveKey(jobID string, number int) string {
	return fmt.Sprintf("%s/%d_images.zip", jobID, number)
}

// ArchivePrefix is the key prefix holding every archive of a job.
func ArchivePrefix(jobID string) string {
	return jobID + "/"
}

// ArchiveFilename is the download filename offered to the browser.
func ArchiveFilename(jobID string, number int) string {
	return fmt.Sprintf("%s_%d_images.zip", jobID, number)
}

// PackageObjectName is the package document key: {job}_{n}_of_{m}.json.
func PackageObjectName(jobID string, number, count int) string {
	return fmt.Sprintf("%s_%d_of_%d.json", jobID, number, count)
}

// PackagePrefix is the key prefix holding every package document of a job.
func PackagePrefix(jobID string) string {
	return jobID + "_"
}

// ParsePackageObjectName splits a package document key back into its parts.
func ParsePackageObjectName(key string) (jobID string, number, count int, ok bool) {
	base := strings.TrimSuffix(path.Base(key), ".json")
	if base == path.Base(key) {
		return "", 0, 0, false
	}
	ofIdx := strings.LastIndex(base, "_of_")
	if ofIdx < 0 {
		return "", 0, 0, false
	}
	count, err := strconv.Atoi(base[ofIdx+len("_of_"):])
	if err != nil {
		return "", 0, 0, false
	}
	head := base[:ofIdx]
	numIdx := strings.LastIndex(head, "_")
	if numIdx <= 0 {
		return "", 0, 0, false
	}
	number, err = strconv.Atoi(head[numIdx+1:])
	if err != nil || number < 1 || number > count {
		return "", 0, 0, false
	}
	return head[:numIdx], number, count, true
}
