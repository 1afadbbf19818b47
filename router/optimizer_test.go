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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTightBudgetDropsToBatchLowTier(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())

	plan := o.Optimize(SLAParameters{
		MaxCostUSD: 0.0005,
		AllowCache: true,
		AllowBatch: true,
	})
	assert.Equal(t, ModeBatch, plan.Mode)
	assert.Contains(t, []string{TierLocal, TierMini}, plan.ModelTier)
	assert.True(t, plan.EnableBatch)
	assert.Equal(t, CacheAggressive, plan.CacheStrategy)
}

func TestUnconstrainedCostHighQualityPicksPremium(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())

	for _, minQuality := range []float64{0.9, 0.92, 0.95} {
		plan := o.Optimize(SLAParameters{MinQuality: minQuality})
		assert.Equal(t, TierPremium, plan.ModelTier, "min_quality=%v", minQuality)
	}
}

func TestCostCeilingBeatsQualityFloor(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())

	// Quality wants premium; budget only covers local. Budget wins.
	rich := o.Optimize(SLAParameters{MaxCostUSD: 0.05, MinQuality: 0.95, AllowCache: true})
	poor := o.Optimize(SLAParameters{MaxCostUSD: 0.0005, MinQuality: 0.95, AllowCache: true})

	assert.Equal(t, TierPremium, rich.ModelTier)
	assert.Equal(t, TierLocal, poor.ModelTier)
	assert.Greater(t, rich.EstimatedCostUSD, poor.EstimatedCostUSD)
}

func TestRealtimeModeAndLatency(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())

	plan := o.Optimize(SLAParameters{RealtimeRequired: true, MinQuality: 0.9})
	assert.Equal(t, ModeRealtime, plan.Mode)
	assert.False(t, plan.EnableBatch)
	// premium base 3000ms scaled by the realtime factor
	assert.InDelta(t, 2400, plan.EstimatedLatencyMS, 0.001)

	batched := o.Optimize(SLAParameters{MinQuality: 0.9, AllowBatch: true})
	assert.Equal(t, ModeBatch, batched.Mode)
	assert.True(t, batched.EnableBatch)
	assert.InDelta(t, 8000, batched.EstimatedLatencyMS, 0.001)
}

func TestCacheStrategySelection(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())

	noCache := o.Optimize(SLAParameters{MinQuality: 0.9})
	assert.Equal(t, CacheNone, noCache.CacheStrategy)

	conservative := o.Optimize(SLAParameters{MinQuality: 0.9, AllowCache: true})
	assert.Equal(t, CacheConservative, conservative.CacheStrategy)

	aggressiveLowTier := o.Optimize(SLAParameters{AllowCache: true})
	assert.Equal(t, CacheAggressive, aggressiveLowTier.CacheStrategy)
}

func TestIdenticalSLAYieldsIdenticalPlan(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())
	sla := SLAParameters{
		MaxCostUSD: 0.01,
		MinQuality: 0.8,
		AllowCache: true,
		AllowBatch: true,
	}
	assert.Equal(t, o.Optimize(sla), o.Optimize(sla))
}

func TestEstimatedCostAppliesCacheMultiplier(t *testing.T) {
	o := NewOptimizer(DefaultOptimizerConfig())

	plan := o.Optimize(SLAParameters{MinQuality: 0.9, AllowCache: true})
	// premium base 0.05 with the conservative multiplier
	assert.InDelta(t, 0.03, plan.EstimatedCostUSD, 1e-9)
}
