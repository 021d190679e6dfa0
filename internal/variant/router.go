// Package variant assigns identities to weighted experiment buckets without
// storing the assignment.
package variant

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Bucket is one experiment arm. Buckets with Weight <= 0 never receive traffic.
type Bucket struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
}

// Hash32 is the stable 32-bit hash of identity salted with seed.
func Hash32(identity, seed string) uint32 {
	return uint32(xxhash.Sum64String(identity + ":" + seed))
}

// Pick returns the bucket id for identity. The same identity, buckets and seed
// always map to the same id. It returns "" when no bucket has positive weight.
func Pick(identity string, buckets []Bucket, seed string) string {
	var total uint64
	for _, b := range buckets {
		if b.Weight > 0 {
			total += uint64(b.Weight)
		}
	}
	if total == 0 {
		return ""
	}

	point := uint64(Hash32(identity, seed)) % total
	var acc uint64
	for _, b := range buckets {
		if b.Weight <= 0 {
			continue
		}
		acc += uint64(b.Weight)
		if point < acc {
			return b.ID
		}
	}
	return ""
}

// Router binds a seed and default buckets.
type Router struct {
	seed    string
	buckets []Bucket
}

func NewRouter(seed string, buckets []Bucket) *Router {
	cp := make([]Bucket, len(buckets))
	copy(cp, buckets)
	return &Router{seed: seed, buckets: cp}
}

// Pick assigns identity using the router's default buckets.
func (r *Router) Pick(identity string) string {
	if r == nil {
		return ""
	}
	return Pick(identity, r.buckets, r.seed)
}

// PickFrom assigns identity using explicit buckets and the router's seed.
func (r *Router) PickFrom(identity string, buckets []Bucket) string {
	if r == nil {
		return Pick(identity, buckets, "")
	}
	return Pick(identity, buckets, r.seed)
}

// Buckets returns a copy of the default buckets.
func (r *Router) Buckets() []Bucket {
	if r == nil {
		return nil
	}
	cp := make([]Bucket, len(r.buckets))
	copy(cp, r.buckets)
	return cp
}

// ParseBuckets parses "A:1,B:3". A missing weight means 1.
func ParseBuckets(raw string) ([]Bucket, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Bucket
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, weightRaw, hasWeight := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("variant bucket %q: empty id", part)
		}
		weight := 1
		if hasWeight {
			w, err := strconv.Atoi(strings.TrimSpace(weightRaw))
			if err != nil {
				return nil, fmt.Errorf("variant bucket %q: %w", part, err)
			}
			if w < 0 {
				return nil, fmt.Errorf("variant bucket %q: negative weight", part)
			}
			weight = w
		}
		out = append(out, Bucket{ID: id, Weight: weight})
	}
	return out, nil
}
