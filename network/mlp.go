package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

const mlpKind = "mlp"

// MLP is a fully connected network with ReLU hidden layers and a linear output.
type MLP struct {
	sizes   []int
	weights []*param
	biases  []*param
	opt     *Adam
}

var _ Model[[]float64] = (*MLP)(nil)

// NewMLP builds a network with the given layer sizes, input first and output last,
// e.g. NewMLP([]int{12, 128, 128, 4}, ...).
func NewMLP(sizes []int, learningRate float64, rng *rand.Rand) *MLP {
	if len(sizes) < 2 {
		panic("network: an MLP needs at least an input and an output layer")
	}
	n := &MLP{
		sizes: append([]int(nil), sizes...),
		opt:   NewAdam(learningRate),
	}
	for l := 1; l < len(sizes); l++ {
		w := newParam(fmt.Sprintf("w%d", l), sizes[l-1], sizes[l])
		b := newParam(fmt.Sprintf("b%d", l), 1, sizes[l])
		bound := 1 / math.Sqrt(float64(sizes[l-1]))
		w.uniform(rng, bound)
		b.uniform(rng, bound)
		n.weights = append(n.weights, w)
		n.biases = append(n.biases, b)
	}
	return n
}

// Outputs is the width of the output layer.
func (n *MLP) Outputs() int {
	return n.sizes[len(n.sizes)-1]
}

func (n *MLP) params() []*param {
	out := make([]*param, 0, 2*len(n.weights))
	for l := range n.weights {
		out = append(out, n.weights[l], n.biases[l])
	}
	return out
}

// forward returns the activations of every layer (input included) and the
// pre-activations of every non-input layer.
func (n *MLP) forward(x []float64) (acts, pre []*mat.Dense, err error) {
	if len(x) != n.sizes[0] {
		return nil, nil, fmt.Errorf("%w: input length %d, want %d", ErrShape, len(x), n.sizes[0])
	}
	if !finite(x...) {
		return nil, nil, fmt.Errorf("%w: input", ErrNotFinite)
	}
	a := mat.NewDense(1, len(x), append([]float64(nil), x...))
	acts = append(acts, a)
	last := len(n.weights) - 1
	for l := range n.weights {
		z := affine(a, n.weights[l].w, n.biases[l].w)
		pre = append(pre, z)
		if l == last {
			a = z
		} else {
			var h mat.Dense
			h.Apply(relu, z)
			a = &h
		}
		acts = append(acts, a)
	}
	return acts, pre, nil
}

func (n *MLP) Predict(x []float64) ([]float64, error) {
	acts, _, err := n.forward(x)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), acts[len(acts)-1].RawRowView(0)...), nil
}

func (n *MLP) Fit(x []float64, output int, target float64) (float64, error) {
	loss, err := n.backward(x, output, target)
	if err != nil {
		return 0, err
	}
	n.opt.Step(n.params())
	return loss, nil
}

// backward accumulates the gradient of the squared error into each param.
func (n *MLP) backward(x []float64, output int, target float64) (float64, error) {
	if output < 0 || output >= n.Outputs() {
		return 0, fmt.Errorf("%w: output %d of %d", ErrShape, output, n.Outputs())
	}
	if !finite(target) {
		return 0, fmt.Errorf("%w: target", ErrNotFinite)
	}
	acts, pre, err := n.forward(x)
	if err != nil {
		return 0, err
	}

	q := acts[len(acts)-1].At(0, output)
	diff := q - target
	dz := mat.NewDense(1, n.Outputs(), nil)
	dz.Set(0, output, 2*diff)

	for l := len(n.weights) - 1; l >= 0; l-- {
		var dw mat.Dense
		dw.Mul(acts[l].T(), dz)
		n.weights[l].grad.Add(n.weights[l].grad, &dw)
		n.biases[l].grad.Add(n.biases[l].grad, dz)
		if l == 0 {
			break
		}
		var da mat.Dense
		da.Mul(dz, n.weights[l].w.T())
		reluGrad(&da, pre[l-1])
		dz = &da
	}
	return diff * diff, nil
}

func (n *MLP) Snapshot() Snapshot {
	return snapshotParams(mlpKind, n.params())
}

func (n *MLP) Restore(snap Snapshot) error {
	return restoreParams(mlpKind, n.params(), snap)
}
