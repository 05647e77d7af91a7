package signal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/logger"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// FileSource pulls signals from JSON drop files written by the external
// strategy process. Each *.json file holds either one signal object or an
// array of them. Consumed files are renamed with a .done suffix so a pull is
// idempotent across restarts.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) (*FileSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("signal source requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSource{dir: dir}, nil
}

// Pull reads and consumes every pending drop file. A malformed file is logged
// and skipped, never fatal.
func (s *FileSource) Pull(ctx context.Context) ([]Signal, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("signal source: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Signal
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("signal source: read %s failed: %v", name, err)
			continue
		}
		sigs, err := parseSignals(data)
		if err != nil {
			logger.Warnf("signal source: skip malformed file %s: %v", name, err)
		} else {
			out = append(out, sigs...)
		}
		if err := os.Rename(path, path+".done"); err != nil {
			logger.Warnf("signal source: mark consumed %s failed: %v", name, err)
		}
	}
	return out, nil
}

func parseSignals(data []byte) ([]Signal, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(data)
	items := []gjson.Result{root}
	if root.IsArray() {
		items = root.Array()
	}
	out := make([]Signal, 0, len(items))
	for _, item := range items {
		sig, err := parseSignal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func parseSignal(item gjson.Result) (Signal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(item.Get("symbol").String()))
	if symbol == "" {
		return Signal{}, fmt.Errorf("signal missing symbol")
	}
	side := broker.SideLong
	switch strings.ToLower(item.Get("side").String()) {
	case "long", "buy", "":
	case "short", "sell":
		side = broker.SideShort
	default:
		return Signal{}, fmt.Errorf("signal %s has unknown side %q", symbol, item.Get("side").String())
	}
	conf := item.Get("confidence").Float()
	if conf <= 0 {
		return Signal{}, fmt.Errorf("signal %s missing confidence", symbol)
	}
	generated := time.Now().UTC()
	if ts := item.Get("generated_at").String(); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			generated = parsed.UTC()
		}
	}
	id := strings.TrimSpace(item.Get("id").String())
	if id == "" {
		id = uuid.NewString()
	}
	return Signal{
		ID:          id,
		Symbol:      symbol,
		Side:        side,
		Confidence:  conf,
		PriceHint:   item.Get("price").Float(),
		StopHint:    item.Get("stop").Float(),
		SizeHint:    item.Get("size").Float(),
		PolicyID:    strings.TrimSpace(item.Get("policy").String()),
		GeneratedAt: generated,
	}, nil
}
