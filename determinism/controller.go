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

// Package determinism pins provider randomness for reproducible runs: a
// process-wide mode flag, a cached seed, config rewriting and replay
// snapshots.
package determinism

import (
	crand "crypto/rand"
	"encoding/binary"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/magsag/magsag/config"
)

// Controller holds the determinism state. Most callers use the process
// default; tests construct their own.
type Controller struct {
	mu   sync.Mutex
	mode bool
	seed *int64
	rng  *rand.Rand
	now  func() time.Time
}

// NewController creates a controller with determinism off and an
// entropy-seeded PRNG.
func NewController() *Controller {
	return &Controller{
		rng: rand.New(rand.NewSource(entropySeed())),
		now: time.Now,
	}
}

var (
	defaultController *Controller
	defaultOnce       sync.Once
)

// Default returns the process-wide controller.
func Default() *Controller {
	defaultOnce.Do(func() { defaultController = NewController() })
	return defaultController
}

// SetDeterministicMode toggles determinism. Enabling with a cached seed
// re-applies it to the PRNG immediately; disabling reseeds from entropy.
func (c *Controller) SetDeterministicMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = on
	if on {
		if c.seed != nil {
			c.rng = rand.New(rand.NewSource(*c.seed))
		}
		slog.Debug("Deterministic mode enabled")
		return
	}
	c.rng = rand.New(rand.NewSource(entropySeed()))
	slog.Debug("Deterministic mode disabled")
}

// DeterministicMode reports whether determinism is on.
func (c *Controller) DeterministicMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetSeed pins the seed explicitly and applies it to the PRNG when
// determinism is on.
func (c *Controller) SetSeed(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = &seed
	if c.mode {
		c.rng = rand.New(rand.NewSource(seed))
	}
}

// Seed resolves the deterministic seed: explicitly set value, then the
// MAGSAG_DETERMINISTIC_SEED environment variable, then a stable value
// derived from the wall clock rounded to the minute. The first resolution
// is cached for the life of the controller; later env changes are ignored.
func (c *Controller) Seed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seed != nil {
		return *c.seed
	}
	seed := c.resolveSeed()
	c.seed = &seed
	if c.mode {
		c.rng = rand.New(rand.NewSource(seed))
	}
	return seed
}

func (c *Controller) resolveSeed() int64 {
	if raw := os.Getenv(config.EnvDeterministicSeed); raw != "" {
		if seed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return seed
		}
		slog.Warn("Ignoring unparseable deterministic seed",
			"var", config.EnvDeterministicSeed, "value", raw)
	}
	return c.now().UTC().Truncate(time.Minute).Unix()
}

// clearSeed drops the cached seed so the next Seed call re-resolves.
func (c *Controller) clearSeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seed = nil
}

// Int63 draws from the controller's PRNG.
func (c *Controller) Int63() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Int63()
}

func entropySeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}
