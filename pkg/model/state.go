package model

import (
	"fmt"
	"math/rand"
	"strings"
)

// ExportState flattens the weights to plain floats for checkpointing. Bias
// vectors are stored as single-row matrices under a ".bias" suffix.
func (g *GPT) ExportState() map[string][][]float64 {
	out := make(map[string][][]float64, len(g.state)+len(g.biases))
	for name, m := range g.state {
		rows := make([][]float64, len(m))
		for i, row := range m {
			r := make([]float64, len(row))
			for j, v := range row {
				r[j] = v.Data
			}
			rows[i] = r
		}
		out[name] = rows
	}
	for name, b := range g.biases {
		row := make([]float64, len(b))
		for i, v := range b {
			row[i] = v.Data
		}
		out[name+".bias"] = [][]float64{row}
	}
	return out
}

// FromState rebuilds a model from a checkpointed state map. Shapes are
// validated against the config; a checkpoint from different dims is an
// error, not a silent resize.
func FromState(cfg Config, src map[string][][]float64) (*GPT, error) {
	g := &GPT{
		Config: cfg,
		state:  map[string][][]*Value{},
		biases: map[string][]*Value{},
	}
	for _, name := range matrixNames(cfg) {
		m, ok := src[name]
		if !ok {
			return nil, fmt.Errorf("model: checkpoint missing tensor %q", name)
		}
		rows, cols := matrixShape(cfg, name)
		if len(m) != rows || (rows > 0 && len(m[0]) != cols) {
			return nil, fmt.Errorf("model: tensor %q has shape %dx%d, want %dx%d", name, len(m), len(m[0]), rows, cols)
		}
		vm := make([][]*Value, rows)
		for i, row := range m {
			vr := make([]*Value, cols)
			for j, x := range row {
				vr[j] = V(x)
			}
			vm[i] = vr
		}
		g.state[name] = vm
	}
	for name, m := range src {
		base, isBias := strings.CutSuffix(name, ".bias")
		if !isBias {
			continue
		}
		if !cfg.Bias {
			return nil, fmt.Errorf("model: checkpoint carries bias %q but config has bias disabled", name)
		}
		if len(m) != 1 {
			return nil, fmt.Errorf("model: bias %q must be a single row, got %d", name, len(m))
		}
		b := make([]*Value, len(m[0]))
		for i, x := range m[0] {
			b[i] = V(x)
		}
		g.biases[base] = b
	}
	if cfg.Bias {
		for _, name := range biasedMatrices(cfg) {
			if _, ok := g.biases[name]; !ok {
				return nil, fmt.Errorf("model: checkpoint missing bias for %q", name)
			}
		}
	}
	return g, nil
}

// Generate samples up to maxNew tokens starting from BOS, stopping at BOS or
// BlockSize. Temperature must be positive; topK <= 0 disables the cutoff.
func (g *GPT) Generate(bosID, maxNew int, temperature float64, topK int, rng *rand.Rand) []int {
	keys := make([][][]*Value, g.Config.NLayer)
	values := make([][][]*Value, g.Config.NLayer)
	tokenID := bosID
	out := make([]int, 0, maxNew)
	for pos := 0; pos < g.Config.BlockSize && len(out) < maxNew; pos++ {
		logits := g.Forward(tokenID, pos, keys, values, nil)
		raw := make([]float64, len(logits))
		for i, l := range logits {
			raw[i] = l.Data / temperature
		}
		weights := SoftmaxFloat(raw)
		if topK > 0 {
			weights = ApplyTopK(weights, topK)
		}
		tokenID = SampleWeighted(weights, rng)
		if tokenID == bosID {
			break
		}
		out = append(out, tokenID)
	}
	return out
}
