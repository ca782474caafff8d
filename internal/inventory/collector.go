// Package inventory fetches the current rule sets and their attachment
// graph from the rule provider. Collection is strictly read-only and
// produces an immutable per-run snapshot.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/providers"
	"github.com/buffnerd/sg-sentinel/internal/usage"
)

// maxConcurrentRegions bounds how many regions are collected in parallel.
const maxConcurrentRegions = 5

// Collector gathers RuleSets region by region. One region failing is
// recorded and skipped; it never aborts the other regions.
type Collector struct {
	rules    providers.RuleProvider
	analyzer *usage.Analyzer
	log      *zap.Logger
}

// NewCollector constructs a Collector. A nil logger disables logging.
func NewCollector(rules providers.RuleProvider, analyzer *usage.Analyzer, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{rules: rules, analyzer: analyzer, log: log}
}

// Collect drains every region's rule sets and resolves each RuleSet's
// attachments. Regions are fetched in parallel, bounded by a semaphore.
//
// Returns an error only for an empty region list (configuration error);
// per-region failures are reported in Inventory.SkippedRegions.
func (c *Collector) Collect(ctx context.Context, regions []string) (*models.Inventory, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions to collect")
	}

	var (
		mu      sync.Mutex
		all     []models.RuleSet
		skipped []models.RegionFailure
	)

	sem := make(chan struct{}, maxConcurrentRegions)
	g, gctx := errgroup.WithContext(ctx)

REGIONS:
	for _, region := range regions {
		region := region
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			break REGIONS
		}

		g.Go(func() error {
			defer func() { <-sem }()

			sets, err := c.collectRegion(gctx, region)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("region collection failed; skipping",
					zap.String("region", region), zap.Error(err))
				skipped = append(skipped, models.RegionFailure{Region: region, Error: err.Error()})
				return nil // non-fatal: other regions continue
			}
			all = append(all, sets...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deterministic snapshot order: region, then RuleSet ID.
	sort.Slice(all, func(i, j int) bool {
		if all[i].Region != all[j].Region {
			return all[i].Region < all[j].Region
		}
		return all[i].ID < all[j].ID
	})
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Region < skipped[j].Region })

	return &models.Inventory{
		CollectedAt:    time.Now().UTC(),
		RuleSets:       all,
		SkippedRegions: skipped,
	}, nil
}

// collectRegion drains one region's rule sets and stamps attachment data
// on each. Attachment lookup failures degrade to "unknown, assume
// attached" via the analyzer rather than failing the region.
func (c *Collector) collectRegion(ctx context.Context, region string) ([]models.RuleSet, error) {
	sets, err := c.rules.ListRuleSets(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("list rule sets in %s: %w", region, err)
	}

	for i := range sets {
		refs, known := c.analyzer.Attachments(ctx, region, sets[i].ID)
		sets[i].Attachments = refs
		sets[i].AttachmentsKnown = known
	}
	return sets, nil
}
