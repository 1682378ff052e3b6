// Package region selects a storage region for the artifactsV2 URL layout:
// round-robin, random, and TTL-bounded sticky selection strategies over a
// named pool of regions.
package region

import (
	"errors"
	"fmt"
)

// Strategy is how a Pool picks among its Regions.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategySticky     Strategy = "sticky"
)

// StickyScope selects what a sticky key is derived from when the caller
// doesn't supply one explicitly.
type StickyScope string

const (
	StickyScopeArtifact StickyScope = "artifact"
	StickyScopeEntity   StickyScope = "entity"
)

// Sticky configures TTL-bounded sticky assignment.
type Sticky struct {
	Scope StickyScope
	TTLMs *int64
}

// Pool is a named set of storage regions sharing a selection strategy, e.g.
// the regions backing one artifact storage account.
type Pool struct {
	Name          string
	Strategy      Strategy
	Regions       []string // e.g. "us-east-1", "eu-west-1"
	Sticky        *Sticky
	RecencyWindow *int // only meaningful for StrategyRandom
}

// Validate reports whether p is a usable pool.
func (p *Pool) Validate() error {
	if p.Name == "" {
		return errors.New("region: pool name is required")
	}
	if len(p.Regions) == 0 {
		return fmt.Errorf("region: pool %q has no regions", p.Name)
	}
	if p.Strategy == StrategySticky && p.Sticky == nil {
		return fmt.Errorf("region: pool %q uses sticky strategy without sticky config", p.Name)
	}
	return nil
}
