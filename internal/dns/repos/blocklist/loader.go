package blocklist

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/haukened/rr-proxy/internal/dns/common/log"
	"github.com/haukened/rr-proxy/internal/dns/domain"
	"github.com/haukened/rr-proxy/internal/dns/repos/blocklist/parsers"
)

// LoadDir parses every regular, non-hidden file in dir as a block list.
// Files are read in name order and each rule is attributed to its file name.
func LoadDir(dir string, logger log.Logger, now time.Time) ([]domain.BlockRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read blocklist dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	var rules []domain.BlockRule
	for _, name := range names {
		parsed, err := loadFile(filepath.Join(dir, name), name, logger, now)
		if err != nil {
			return nil, err
		}
		logger.Info(map[string]any{"file": name, "rules": len(parsed)}, "Loaded block list")
		rules = append(rules, parsed...)
	}
	return rules, nil
}

func loadFile(path, source string, logger log.Logger, now time.Time) ([]domain.BlockRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open block list: %w", err)
	}
	defer f.Close()
	rules, err := parsers.Parse(f, source, logger, now)
	if err != nil {
		return nil, fmt.Errorf("parse block list %s: %w", source, err)
	}
	return rules, nil
}
