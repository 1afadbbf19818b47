// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import "fmt"

// Execution mode.
const (
	ModeRealtime = "realtime"
	ModeBatch    = "batch"
)

// Model tiers, cheapest first.
const (
	TierLocal    = "local"
	TierMini     = "mini"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Cache strategies.
const (
	CacheNone         = "none"
	CacheConservative = "conservative"
	CacheAggressive   = "aggressive"
)

// SLAParameters are the caller's service-level constraints. Zero values for
// MaxLatencyMS and MaxCostUSD mean unconstrained.
type SLAParameters struct {
	MaxLatencyMS     float64 `json:"max_latency_ms,omitempty"`
	MaxCostUSD       float64 `json:"max_cost_usd,omitempty"`
	MinQuality       float64 `json:"min_quality"`
	RealtimeRequired bool    `json:"realtime_required"`
	AllowCache       bool    `json:"allow_cache"`
	AllowBatch       bool    `json:"allow_batch"`
}

// ExecutionPlan is the optimizer's decision for one SLA.
type ExecutionPlan struct {
	Mode               string  `json:"mode"`
	ModelTier          string  `json:"model_tier"`
	CacheStrategy      string  `json:"cache_strategy"`
	EnableBatch        bool    `json:"enable_batch"`
	EstimatedCostUSD   float64 `json:"estimated_cost_usd"`
	EstimatedLatencyMS float64 `json:"estimated_latency_ms"`
	Reasoning          string  `json:"reasoning"`
}

// Tier describes one model tier's cost, quality and latency profile.
type Tier struct {
	Name          string
	BaseCostUSD   float64
	Quality       float64
	BaseLatencyMS float64
}

// OptimizerConfig carries the tunables. Defaults come from
// DefaultOptimizerConfig; deployments override them in configuration, never
// in code.
type OptimizerConfig struct {
	// Tiers must be ordered by ascending base cost.
	Tiers []Tier

	// CacheMultipliers scale the tier base cost per strategy.
	CacheMultipliers map[string]float64

	// AggressiveCostThreshold forces aggressive caching for tight budgets.
	AggressiveCostThreshold float64

	// RealtimeLatencyFactor scales base latency in realtime mode.
	RealtimeLatencyFactor float64

	// BatchDelayMS is added to the latency estimate when batching.
	BatchDelayMS float64
}

// DefaultOptimizerConfig returns the stock profile.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Tiers: []Tier{
			{Name: TierLocal, BaseCostUSD: 0.0001, Quality: 0.5, BaseLatencyMS: 500},
			{Name: TierMini, BaseCostUSD: 0.001, Quality: 0.8, BaseLatencyMS: 1000},
			{Name: TierStandard, BaseCostUSD: 0.01, Quality: 0.9, BaseLatencyMS: 2000},
			{Name: TierPremium, BaseCostUSD: 0.05, Quality: 0.95, BaseLatencyMS: 3000},
		},
		CacheMultipliers: map[string]float64{
			CacheAggressive:   0.3,
			CacheConservative: 0.6,
			CacheNone:         1.0,
		},
		AggressiveCostThreshold: 0.005,
		RealtimeLatencyFactor:   0.8,
		BatchDelayMS:            5000,
	}
}

// Optimizer turns SLA parameters into execution plans. The decision is a
// pure function of the SLA and the config: identical inputs always produce
// identical plans.
type Optimizer struct {
	cfg OptimizerConfig
}

// NewOptimizer creates an optimizer with the given config. A zero-tier
// config falls back to the defaults.
func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	if len(cfg.Tiers) == 0 {
		cfg = DefaultOptimizerConfig()
	}
	return &Optimizer{cfg: cfg}
}

// Optimize derives an execution plan from the SLA.
func (o *Optimizer) Optimize(sla SLAParameters) ExecutionPlan {
	mode := ModeBatch
	if sla.RealtimeRequired {
		mode = ModeRealtime
	}

	tier := o.selectTier(sla)
	cache := o.selectCache(sla, tier)
	enableBatch := sla.AllowBatch && mode == ModeBatch

	cost := tier.BaseCostUSD * o.cfg.CacheMultipliers[cache]
	latency := tier.BaseLatencyMS
	if mode == ModeRealtime {
		latency *= o.cfg.RealtimeLatencyFactor
	}
	if enableBatch {
		latency += o.cfg.BatchDelayMS
	}

	return ExecutionPlan{
		Mode:               mode,
		ModelTier:          tier.Name,
		CacheStrategy:      cache,
		EnableBatch:        enableBatch,
		EstimatedCostUSD:   cost,
		EstimatedLatencyMS: latency,
		Reasoning: fmt.Sprintf("%s tier in %s mode, %s caching (quality %.2f at $%.4f base)",
			tier.Name, mode, cache, tier.Quality, tier.BaseCostUSD),
	}
}

// selectTier picks the model tier. The quality floor is an exclusive bound:
// a floor equal to a tier's rating promotes to the next tier up, so asking
// for exactly 0.9 lands on premium rather than sitting on the boundary.
// When no affordable tier clears the floor the cost ceiling wins and the
// best affordable tier is used; an unaffordable ceiling degrades to the
// cheapest tier.
func (o *Optimizer) selectTier(sla SLAParameters) Tier {
	affordable := make([]Tier, 0, len(o.cfg.Tiers))
	for _, t := range o.cfg.Tiers {
		if sla.MaxCostUSD > 0 && t.BaseCostUSD > sla.MaxCostUSD {
			continue
		}
		affordable = append(affordable, t)
	}
	if len(affordable) == 0 {
		return o.cfg.Tiers[0]
	}
	for _, t := range affordable {
		if t.Quality > sla.MinQuality {
			return t
		}
	}
	return affordable[len(affordable)-1]
}

func (o *Optimizer) selectCache(sla SLAParameters, tier Tier) string {
	if !sla.AllowCache {
		return CacheNone
	}
	if sla.MaxCostUSD > 0 && sla.MaxCostUSD < o.cfg.AggressiveCostThreshold {
		return CacheAggressive
	}
	if tier.Name == TierStandard || tier.Name == TierPremium {
		return CacheConservative
	}
	return CacheAggressive
}
