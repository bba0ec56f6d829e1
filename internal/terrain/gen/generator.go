// Package gen fills chunk fields from a 2D height map: each sample is how far
// the terrain surface sits above it, clamped to [0,1].
package gen

import (
	"errors"
	"fmt"

	"voxelstream.ai/internal/mathx"
	"voxelstream.ai/internal/terrain/chunk"
)

// MultiplierScale converts the multiplier noise into world units.
const MultiplierScale = 100

type NoiseParams struct {
	Frequency  float64
	Octaves    int
	Gain       float64
	Lacunarity float64
}

// Config is immutable once handed to a Generator.
type Config struct {
	Seed int64
	// BaseHeightOffset shifts where terrain starts.
	BaseHeightOffset float32
	// BaseHeightMultiplier exaggerates the base noise.
	BaseHeightMultiplier float32
	// BaseNoise creates local height variation.
	BaseNoise NoiseParams
	// MultiplierNoise varies height over longer distances.
	MultiplierNoise NoiseParams
}

func DefaultConfig() Config {
	return Config{
		Seed:                 1337,
		BaseHeightOffset:     0,
		BaseHeightMultiplier: 24,
		BaseNoise:            NoiseParams{Frequency: 1.0 / 64, Octaves: 4, Gain: 0.5, Lacunarity: 2},
		MultiplierNoise:      NoiseParams{Frequency: 1.0 / 1024, Octaves: 2, Gain: 0.5, Lacunarity: 2},
	}
}

func (p NoiseParams) validate(name string) error {
	if p.Frequency <= 0 {
		return fmt.Errorf("%s: frequency must be positive", name)
	}
	if p.Octaves <= 0 {
		return fmt.Errorf("%s: octaves must be positive", name)
	}
	return nil
}

func (c Config) Validate() error {
	return errors.Join(c.BaseNoise.validate("base noise"), c.MultiplierNoise.validate("multiplier noise"))
}

// Generator is a pure function of its config and the chunk coordinate, safe
// for concurrent use.
type Generator struct {
	cfg  Config
	dims chunk.Dims
	base fractal
	mult fractal
}

func New(cfg Config, dims chunk.Dims) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gen: invalid config: %w", err)
	}
	if dims.Edge <= 0 {
		return nil, fmt.Errorf("gen: invalid chunk edge %d", dims.Edge)
	}
	return &Generator{
		cfg:  cfg,
		dims: dims,
		base: newFractal(cfg.Seed, cfg.BaseNoise),
		mult: newFractal(cfg.Seed^0x5bd1e995, cfg.MultiplierNoise),
	}, nil
}

func (g *Generator) Config() Config   { return g.cfg }
func (g *Generator) Dims() chunk.Dims { return g.dims }
func (g *Generator) HeightMapLen() int { return g.dims.Area() }

// HeightMap writes the surface height of every sample column of the chunk
// column (cx, cz) into dst, indexed x + z*P.
func (g *Generator) HeightMap(cx, cz int32, dst []float32) {
	p := g.dims.Points()
	ox, _, oz := g.dims.Origin(chunk.Coord{X: cx, Z: cz})
	for z := 0; z < p; z++ {
		wz := float64(oz + z)
		for x := 0; x < p; x++ {
			wx := float64(ox + x)
			base := g.base.at(wx, wz)
			mult := g.mult.at(wx, wz)
			offset := g.cfg.BaseHeightOffset + MultiplierScale*float32(mult)
			dst[x+z*p] = offset + float32(base)*g.cfg.BaseHeightMultiplier
		}
	}
}

// Fill writes the field for c from a height map produced by HeightMap for
// the same column and classifies it.
func (g *Generator) Fill(c chunk.Coord, heights, field []float32) chunk.Class {
	p := g.dims.Points()
	_, oy, _ := g.dims.Origin(c)
	var sum float32
	for z := 0; z < p; z++ {
		for y := 0; y < p; y++ {
			wy := float32(oy + y)
			row := field[g.dims.Index(0, y, z):]
			for x := 0; x < p; x++ {
				v := mathx.Clamp01(heights[x+z*p] - wy)
				row[x] = v
				sum += v
			}
		}
	}
	switch {
	case sum == 0:
		return chunk.Empty
	case sum == float32(g.dims.Volume()):
		return chunk.Full
	default:
		return chunk.Mixed
	}
}

// Generate computes the field for c into field without any caching.
func (g *Generator) Generate(c chunk.Coord, field []float32) chunk.Class {
	heights := make([]float32, g.dims.Area())
	g.HeightMap(c.X, c.Z, heights)
	return g.Fill(c, heights, field)
}
