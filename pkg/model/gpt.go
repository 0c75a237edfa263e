// Package model holds the baby GPT the run-control engine trains: a scalar
// autograd graph with per-position evaluation and a KV cache. The engine
// treats it as a collaborator; it only ever sees Parameters, SequenceLoss,
// and the state import/export pair.
package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

type Config struct {
	NLayer    int
	NHead     int
	NEmbd     int
	BlockSize int
	VocabSize int
	Dropout   float64
	Bias      bool
}

// Parameter is one scalar weight with its weight-decay classification.
// Matrix weights decay; bias vectors do not. The step controller applies
// decay based on this flag rather than re-deriving tensor shapes.
type Parameter struct {
	Name  string
	Val   *Value
	Decay bool
}

// GPT owns the weight tensors. Matrices live in state; optional bias
// vectors, enabled by Config.Bias, live alongside under a ".bias" suffix.
type GPT struct {
	Config Config

	state  map[string][][]*Value
	biases map[string][]*Value

	// KV caches are allocated per forward sequence, not stored here, so a
	// GPT is safe for concurrent read-only evaluation.
}

func matrixNames(cfg Config) []string {
	names := []string{"wte", "wpe", "lm_head"}
	for i := 0; i < cfg.NLayer; i++ {
		names = append(names,
			fmt.Sprintf("layer%d.attn_wq", i),
			fmt.Sprintf("layer%d.attn_wk", i),
			fmt.Sprintf("layer%d.attn_wv", i),
			fmt.Sprintf("layer%d.attn_wo", i),
			fmt.Sprintf("layer%d.mlp_fc1", i),
			fmt.Sprintf("layer%d.mlp_fc2", i),
		)
	}
	return names
}

func matrixShape(cfg Config, name string) (rows, cols int) {
	switch name {
	case "wte", "lm_head":
		return cfg.VocabSize, cfg.NEmbd
	case "wpe":
		return cfg.BlockSize, cfg.NEmbd
	}
	var layer int
	var kind string
	fmt.Sscanf(name, "layer%d.%s", &layer, &kind)
	switch kind {
	case "mlp_fc1":
		return 4 * cfg.NEmbd, cfg.NEmbd
	case "mlp_fc2":
		return cfg.NEmbd, 4 * cfg.NEmbd
	default:
		return cfg.NEmbd, cfg.NEmbd
	}
}

// biasedMatrices are the projections that carry bias vectors when
// Config.Bias is set. Embeddings and the tied-style head stay bias-free.
func biasedMatrices(cfg Config) []string {
	var names []string
	for i := 0; i < cfg.NLayer; i++ {
		names = append(names,
			fmt.Sprintf("layer%d.attn_wq", i),
			fmt.Sprintf("layer%d.attn_wk", i),
			fmt.Sprintf("layer%d.attn_wv", i),
			fmt.Sprintf("layer%d.attn_wo", i),
			fmt.Sprintf("layer%d.mlp_fc1", i),
			fmt.Sprintf("layer%d.mlp_fc2", i),
		)
	}
	return names
}

// New initializes a model from the given RNG so two runs with the same seed
// start from identical weights.
func New(cfg Config, rng *rand.Rand) (*GPT, error) {
	if cfg.NLayer < 1 || cfg.NHead < 1 || cfg.NEmbd < 1 || cfg.BlockSize < 1 || cfg.VocabSize < 2 {
		return nil, fmt.Errorf("model: invalid config %+v", cfg)
	}
	if cfg.NEmbd%cfg.NHead != 0 {
		return nil, fmt.Errorf("model: n_embd %d not divisible by n_head %d", cfg.NEmbd, cfg.NHead)
	}
	g := &GPT{
		Config: cfg,
		state:  map[string][][]*Value{},
		biases: map[string][]*Value{},
	}
	const initStd = 0.08
	for _, name := range matrixNames(cfg) {
		rows, cols := matrixShape(cfg, name)
		m := make([][]*Value, rows)
		for r := 0; r < rows; r++ {
			row := make([]*Value, cols)
			for c := 0; c < cols; c++ {
				row[c] = V(rng.NormFloat64() * initStd)
			}
			m[r] = row
		}
		g.state[name] = m
	}
	if cfg.Bias {
		for _, name := range biasedMatrices(cfg) {
			rows, _ := matrixShape(cfg, name)
			b := make([]*Value, rows)
			for r := range b {
				b[r] = V(0)
			}
			g.biases[name] = b
		}
	}
	return g, nil
}

// Parameters returns every scalar weight in a deterministic order, with the
// decay classification the optimizer needs. The order is stable across runs
// and across export/import, so optimizer moment vectors index into it.
func (g *GPT) Parameters() []Parameter {
	names := make([]string, 0, len(g.state))
	for n := range g.state {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []Parameter
	for _, n := range names {
		for _, row := range g.state[n] {
			for _, v := range row {
				out = append(out, Parameter{Name: n, Val: v, Decay: true})
			}
		}
		if b, ok := g.biases[n]; ok {
			for _, v := range b {
				out = append(out, Parameter{Name: n + ".bias", Val: v, Decay: false})
			}
		}
	}
	return out
}

// NumParams counts scalar weights.
func (g *GPT) NumParams() int {
	n := 0
	for _, m := range g.state {
		for _, row := range m {
			n += len(row)
		}
	}
	for _, b := range g.biases {
		n += len(b)
	}
	return n
}

func (g *GPT) linear(x []*Value, name string) []*Value {
	w := g.state[name]
	out := make([]*Value, len(w))
	for o, row := range w {
		s := V(0)
		for i := range x {
			s = Add(s, Mul(row[i], x[i]))
		}
		out[o] = s
	}
	if b, ok := g.biases[name]; ok {
		for o := range out {
			out[o] = Add(out[o], b[o])
		}
	}
	return out
}

// dropout zeroes each activation with probability p and rescales the rest by
// 1/(1-p). A nil rng means inference: no-op.
func (g *GPT) dropout(x []*Value, rng *rand.Rand) []*Value {
	p := g.Config.Dropout
	if rng == nil || p <= 0 {
		return x
	}
	keep := 1 / (1 - p)
	out := make([]*Value, len(x))
	for i, xi := range x {
		if rng.Float64() < p {
			out[i] = Scale(xi, 0)
		} else {
			out[i] = Scale(xi, keep)
		}
	}
	return out
}

// Forward evaluates one position given the KV caches accumulated for the
// sequence so far and returns the vocab logits. rng enables dropout and must
// be nil for evaluation and generation.
func (g *GPT) Forward(tokenID, posID int, keys, values [][][]*Value, rng *rand.Rand) []*Value {
	cfg := g.Config
	headDim := cfg.NEmbd / cfg.NHead

	tokEmb := g.state["wte"][tokenID]
	posEmb := g.state["wpe"][posID]
	x := make([]*Value, len(tokEmb))
	for i := range tokEmb {
		x[i] = Add(tokEmb[i], posEmb[i])
	}
	x = rmsnorm(x)

	for li := 0; li < cfg.NLayer; li++ {
		residual := x
		x = rmsnorm(x)
		q := g.linear(x, fmt.Sprintf("layer%d.attn_wq", li))
		k := g.linear(x, fmt.Sprintf("layer%d.attn_wk", li))
		v := g.linear(x, fmt.Sprintf("layer%d.attn_wv", li))
		keys[li] = append(keys[li], k)
		values[li] = append(values[li], v)

		xAttn := make([]*Value, 0, cfg.NEmbd)
		for h := 0; h < cfg.NHead; h++ {
			hs := h * headDim
			qH := q[hs : hs+headDim]

			T := len(keys[li])
			attnLogits := make([]*Value, T)
			for t := 0; t < T; t++ {
				kH := keys[li][t][hs : hs+headDim]
				score := V(0)
				for j := 0; j < headDim; j++ {
					score = Add(score, Mul(qH[j], kH[j]))
				}
				attnLogits[t] = Scale(score, 1/math.Sqrt(float64(headDim)))
			}
			attnWeights := softmax(attnLogits)

			headOut := make([]*Value, headDim)
			for j := 0; j < headDim; j++ {
				s := V(0)
				for t := 0; t < T; t++ {
					s = Add(s, Mul(attnWeights[t], values[li][t][hs+j]))
				}
				headOut[j] = s
			}
			xAttn = append(xAttn, headOut...)
		}

		x = g.linear(xAttn, fmt.Sprintf("layer%d.attn_wo", li))
		x = g.dropout(x, rng)
		for i := range x {
			x[i] = Add(x[i], residual[i])
		}

		residual = x
		x = rmsnorm(x)
		x = g.linear(x, fmt.Sprintf("layer%d.mlp_fc1", li))
		for i := range x {
			x[i] = ReLU(x[i])
		}
		x = g.linear(x, fmt.Sprintf("layer%d.mlp_fc2", li))
		x = g.dropout(x, rng)
		for i := range x {
			x[i] = Add(x[i], residual[i])
		}
	}

	return g.linear(x, "lm_head")
}

// SequenceLoss is the mean cross-entropy of predicting targets from inputs
// over one sequence. Sequences longer than BlockSize are truncated.
func (g *GPT) SequenceLoss(inputs, targets []int, rng *rand.Rand) (*Value, error) {
	n := len(inputs)
	if n == 0 || len(targets) != n {
		return nil, fmt.Errorf("model: mismatched sequence lengths %d/%d", n, len(targets))
	}
	if n > g.Config.BlockSize {
		n = g.Config.BlockSize
	}
	keys := make([][][]*Value, g.Config.NLayer)
	values := make([][][]*Value, g.Config.NLayer)

	loss := V(0)
	for pos := 0; pos < n; pos++ {
		logits := g.Forward(inputs[pos], pos, keys, values, rng)
		if targets[pos] < 0 || targets[pos] >= len(logits) {
			return nil, fmt.Errorf("model: target id %d out of vocab %d", targets[pos], len(logits))
		}
		probs := softmax(logits)
		loss = Add(loss, Neg(Log(probs[targets[pos]])))
	}
	return Scale(loss, 1/float64(n)), nil
}
