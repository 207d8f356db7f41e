package etl

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/btcdatapipe/pipeline/internal/objectstore"
)

// ReadLines fetches one bronze object and returns its JSON-decoded
// lines, gzip-decompressing when the key ends in .gz. Malformed lines
// are logged and dropped, not fatal (§4.9 step 2).
func ReadLines(ctx context.Context, store objectstore.ObjectStore, desc FileDescriptor) ([]map[string]interface{}, error) {
	body, _, err := store.GetObject(ctx, desc.Bucket, desc.Key)
	if err != nil {
		return nil, fmt.Errorf("etl: get object %s: %w", desc.Key, err)
	}

	if strings.HasSuffix(desc.Key, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("etl: gunzip %s: %w", desc.Key, err)
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("etl: read gunzipped %s: %w", desc.Key, err)
		}
		body = decompressed
	}

	var out []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var row map[string]interface{}
		if err := json.Unmarshal(line, &row); err != nil {
			log.Warn().Err(err).Str("key", desc.Key).Msg("etl: dropped malformed line")
			continue
		}
		out = append(out, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("etl: scan %s: %w", desc.Key, err)
	}
	return out, nil
}
