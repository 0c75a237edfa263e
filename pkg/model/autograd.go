package model

import "math"

// Value is a scalar in the autograd graph.
//
// Backward does not reset leaf gradients: parameter grads accumulate across
// calls until the optimizer consumes and zeroes them, which is what makes
// gradient accumulation over several micro-batches a plain sequence of
// Backward calls.
type Value struct {
	Data       float64
	Grad       float64
	children   []*Value
	localGrads []float64
}

func V(x float64) *Value {
	return &Value{Data: x}
}

func Add(a, b *Value) *Value {
	return &Value{Data: a.Data + b.Data, children: []*Value{a, b}, localGrads: []float64{1, 1}}
}

func Sub(a, b *Value) *Value {
	return &Value{Data: a.Data - b.Data, children: []*Value{a, b}, localGrads: []float64{1, -1}}
}

func Mul(a, b *Value) *Value {
	return &Value{Data: a.Data * b.Data, children: []*Value{a, b}, localGrads: []float64{b.Data, a.Data}}
}

func Pow(a *Value, p float64) *Value {
	return &Value{Data: math.Pow(a.Data, p), children: []*Value{a}, localGrads: []float64{p * math.Pow(a.Data, p-1)}}
}

func Div(a, b *Value) *Value {
	return Mul(a, Pow(b, -1))
}

func Neg(a *Value) *Value {
	return Mul(a, V(-1))
}

func Log(a *Value) *Value {
	return &Value{Data: math.Log(a.Data), children: []*Value{a}, localGrads: []float64{1 / a.Data}}
}

func Exp(a *Value) *Value {
	e := math.Exp(a.Data)
	return &Value{Data: e, children: []*Value{a}, localGrads: []float64{e}}
}

func ReLU(a *Value) *Value {
	if a.Data > 0 {
		return &Value{Data: a.Data, children: []*Value{a}, localGrads: []float64{1}}
	}
	return &Value{Data: 0, children: []*Value{a}, localGrads: []float64{0}}
}

// Scale multiplies by a plain constant without putting the constant in the
// graph. Loss scaling and 1/N accumulation weighting use this.
func Scale(a *Value, k float64) *Value {
	return &Value{Data: a.Data * k, children: []*Value{a}, localGrads: []float64{k}}
}

// Backward runs reverse-mode accumulation from out. Interior node grads
// start at zero because each forward pass builds fresh nodes; leaf
// (parameter) grads are intentionally left to accumulate.
func Backward(out *Value) {
	var topo []*Value
	visited := map[*Value]bool{}
	var build func(v *Value)
	build = func(v *Value) {
		if visited[v] {
			return
		}
		visited[v] = true
		for _, ch := range v.children {
			build(ch)
		}
		topo = append(topo, v)
	}
	build(out)
	out.Grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		v := topo[i]
		for j, ch := range v.children {
			ch.Grad += v.localGrads[j] * v.Grad
		}
	}
}

func softmax(logits []*Value) []*Value {
	maxVal := logits[0].Data
	for _, l := range logits[1:] {
		if l.Data > maxVal {
			maxVal = l.Data
		}
	}
	exps := make([]*Value, len(logits))
	total := V(0)
	for i, l := range logits {
		exps[i] = Exp(Sub(l, V(maxVal)))
		total = Add(total, exps[i])
	}
	out := make([]*Value, len(logits))
	invTotal := Div(V(1), total)
	for i := range exps {
		out[i] = Mul(exps[i], invTotal)
	}
	return out
}

func rmsnorm(x []*Value) []*Value {
	ms := V(0)
	for _, xi := range x {
		ms = Add(ms, Mul(xi, xi))
	}
	ms = Scale(ms, 1/float64(len(x)))
	scale := Pow(Add(ms, V(1e-5)), -0.5)
	out := make([]*Value, len(x))
	for i, xi := range x {
		out[i] = Mul(xi, scale)
	}
	return out
}
