package dataset

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns paths to shard TAR files beneath root, sorted.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	slices.Sort(entries)
	return entries, nil
}

// DiscoverByRoot scans each root independently. A root without shards is an
// error.
func DiscoverByRoot(roots []string) (map[string][]string, error) {
	result := make(map[string][]string, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		if len(shards) == 0 {
			return nil, errors.Errorf("no shards discovered under %s", root)
		}
		result[root] = shards
	}
	return result, nil
}

// CountSamples sums CountShard over every shard.
func CountSamples(ctx context.Context, roots map[string][]string, text TextKind) (int, error) {
	total := 0
	for _, shards := range roots {
		for _, shard := range shards {
			n, err := CountShard(ctx, shard, text)
			if err != nil {
				return 0, err
			}
			total += n
		}
	}
	return total, nil
}
