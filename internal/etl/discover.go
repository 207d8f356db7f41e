// Package etl implements C9: partition discovery, transform, and batched
// idempotent relational insert from the bronze layer written by C7.
// Grounded on the teacher's cold-storage readers and the original
// implementation's etl_orchestrator/transformer/db_writer trio.
package etl

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/btcdatapipe/pipeline/internal/objectstore"
)

// FileDescriptor is one discovered bronze object, annotated with the
// (symbol, data_type) parsed from its key path.
type FileDescriptor struct {
	Bucket       string
	Key          string
	Symbol       string
	DataType     string
	LastModified time.Time
}

var knownSuffixes = []string{".jsonl.gz", ".jsonl"}

func hasKnownSuffix(key string) bool {
	for _, suffix := range knownSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseKeyPath extracts (symbol, data_type) from a key of the form
// <bronze_prefix>/<symbol>/<data_type>/yyyy=.../... per §4.7's grammar.
func parseKeyPath(bronzePrefix, key string) (symbol, dataType string, ok bool) {
	prefix := strings.TrimSuffix(bronzePrefix, "/") + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Discoverer lists bronze objects newer than a watermark, in ascending
// LastModified order, filtered to known data suffixes (§4.9 step 1).
type Discoverer struct {
	store        objectstore.ObjectStore
	bucket       string
	bronzePrefix string
}

func NewDiscoverer(store objectstore.ObjectStore, bucket, bronzePrefix string) *Discoverer {
	return &Discoverer{store: store, bucket: bucket, bronzePrefix: bronzePrefix}
}

func (d *Discoverer) Discover(ctx context.Context, watermark time.Time, processed map[string]bool) ([]FileDescriptor, error) {
	var out []FileDescriptor
	var token string
	for {
		objects, nextToken, err := d.store.ListObjectsV2(ctx, d.bucket, d.bronzePrefix, token)
		if err != nil {
			return nil, fmt.Errorf("etl: list objects: %w", err)
		}
		for _, obj := range objects {
			if !hasKnownSuffix(obj.Key) {
				continue
			}
			if !obj.LastModified.After(watermark) {
				continue
			}
			if processed[obj.Key] {
				continue
			}
			symbol, dataType, ok := parseKeyPath(d.bronzePrefix, obj.Key)
			if !ok {
				continue
			}
			out = append(out, FileDescriptor{
				Bucket: d.bucket, Key: obj.Key, Symbol: symbol, DataType: dataType,
				LastModified: obj.LastModified,
			})
		}
		if nextToken == "" {
			break
		}
		token = nextToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastModified.Before(out[j].LastModified) })
	return out, nil
}

