package bucket

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
)

// Salt purpose tags. Traffic inclusion and variant selection use
// different salts so the two decisions are statistically independent
// for the same subject.
const (
	PurposeTraffic = "traffic"
	PurposeVariant = "variant"
)

// Buckets is the size of the allocation space [0, 100).
const Buckets = 100

// Bucket maps (subjectID, salt) to an integer in [0, 100).
//
// Pure function: identical inputs always produce identical output, so
// bucketing is stable across process restarts. SHA-256 gives the uniform
// distribution; cryptographic strength is incidental, not required.
func Bucket(subjectID, salt string) int {
	h := sha256.Sum256([]byte(subjectID + "|" + salt))
	return int(binary.BigEndian.Uint32(h[:4]) % Buckets)
}

// Salt builds the per-experiment salt for a given purpose tag.
func Salt(experimentID, purpose string) string {
	return experimentID + ":" + purpose
}

// TrafficBucket returns the traffic-inclusion bucket for a subject.
func TrafficBucket(subjectID, experimentID string) int {
	return Bucket(subjectID, Salt(experimentID, PurposeTraffic))
}

// VariantBucket returns the variant-selection bucket for a subject.
func VariantBucket(subjectID, experimentID string) int {
	return Bucket(subjectID, Salt(experimentID, PurposeVariant))
}

// PickVariant walks the variant list accumulating weights and returns the
// first variant whose cumulative weight exceeds the bucket value. With
// weights summing to 100 this partitions bucket space exactly in
// proportion to weight. If rounding leaves the bucket uncovered, the
// control variant is returned.
func PickVariant(b int, e *api.Experiment) *api.Variant {
	cumulative := 0
	for i := range e.Variants {
		cumulative += e.Variants[i].Weight
		if b < cumulative {
			return &e.Variants[i]
		}
	}
	return e.Control()
}
