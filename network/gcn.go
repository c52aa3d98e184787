package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

const gcnKind = "gcn"

// Graph is a node-feature matrix with an undirected edge list.
type Graph struct {
	Features *mat.Dense
	Edges    [][2]int
}

// Nodes is the number of rows in the feature matrix.
func (g Graph) Nodes() int {
	r, _ := g.Features.Dims()
	return r
}

// NormalizedAdjacency returns D^-1/2 (A+I) D^-1/2 where D counts the self loop.
func (g Graph) NormalizedAdjacency() (*mat.Dense, error) {
	n := g.Nodes()
	adj := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		adj.Set(i, i, 1)
	}
	for _, e := range g.Edges {
		if e[0] < 0 || e[0] >= n || e[1] < 0 || e[1] >= n {
			return nil, fmt.Errorf("%w: edge %v outside %d nodes", ErrShape, e, n)
		}
		adj.Set(e[0], e[1], 1)
		adj.Set(e[1], e[0], 1)
	}
	deg := make([]float64, n)
	for i := 0; i < n; i++ {
		for _, v := range adj.RawRowView(i) {
			deg[i] += v
		}
		deg[i] = 1 / math.Sqrt(deg[i])
	}
	adj.Apply(func(i, j int, v float64) float64 {
		return v * deg[i] * deg[j]
	}, adj)
	return adj, nil
}

// GCN is two graph-convolution layers with ReLU followed by a per-node linear head.
// Predict returns a row-major Nodes x Outputs vector.
type GCN struct {
	in, hidden, out int
	w1, b1          *param
	w2, b2          *param
	w3, b3          *param
	opt             *Adam
}

var _ Model[Graph] = (*GCN)(nil)

// NewGCN builds an in -> hidden -> hidden convolution stack with an out-wide head.
func NewGCN(in, hidden, out int, learningRate float64, rng *rand.Rand) *GCN {
	n := &GCN{
		in:     in,
		hidden: hidden,
		out:    out,
		w1:     newParam("conv1.w", in, hidden),
		b1:     newParam("conv1.b", 1, hidden),
		w2:     newParam("conv2.w", hidden, hidden),
		b2:     newParam("conv2.b", 1, hidden),
		w3:     newParam("head.w", hidden, out),
		b3:     newParam("head.b", 1, out),
		opt:    NewAdam(learningRate),
	}
	// Glorot for the convolutions, zero bias; the head is initialised like a dense layer.
	n.w1.uniform(rng, math.Sqrt(6/float64(in+hidden)))
	n.w2.uniform(rng, math.Sqrt(6/float64(hidden+hidden)))
	head := 1 / math.Sqrt(float64(hidden))
	n.w3.uniform(rng, head)
	n.b3.uniform(rng, head)
	return n
}

// Outputs is the per-node output width.
func (n *GCN) Outputs() int {
	return n.out
}

func (n *GCN) params() []*param {
	return []*param{n.w1, n.b1, n.w2, n.b2, n.w3, n.b3}
}

type gcnPass struct {
	adj    *mat.Dense
	ax     *mat.Dense
	z1, h1 *mat.Dense
	ah1    *mat.Dense
	z2, h2 *mat.Dense
	q      *mat.Dense
}

func (n *GCN) forward(g Graph) (*gcnPass, error) {
	if g.Features == nil {
		return nil, fmt.Errorf("%w: graph has no features", ErrShape)
	}
	if _, c := g.Features.Dims(); c != n.in {
		return nil, fmt.Errorf("%w: %d node features, want %d", ErrShape, c, n.in)
	}
	if !finite(g.Features.RawMatrix().Data...) {
		return nil, fmt.Errorf("%w: node features", ErrNotFinite)
	}
	adj, err := g.NormalizedAdjacency()
	if err != nil {
		return nil, err
	}
	p := &gcnPass{adj: adj, ax: new(mat.Dense), h1: new(mat.Dense), ah1: new(mat.Dense), h2: new(mat.Dense)}
	p.ax.Mul(adj, g.Features)
	p.z1 = affine(p.ax, n.w1.w, n.b1.w)
	p.h1.Apply(relu, p.z1)
	p.ah1.Mul(adj, p.h1)
	p.z2 = affine(p.ah1, n.w2.w, n.b2.w)
	p.h2.Apply(relu, p.z2)
	p.q = affine(p.h2, n.w3.w, n.b3.w)
	return p, nil
}

func (n *GCN) Predict(g Graph) ([]float64, error) {
	p, err := n.forward(g)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), p.q.RawMatrix().Data...), nil
}

func (n *GCN) Fit(g Graph, output int, target float64) (float64, error) {
	loss, err := n.backward(g, output, target)
	if err != nil {
		return 0, err
	}
	n.opt.Step(n.params())
	return loss, nil
}

func (n *GCN) backward(g Graph, output int, target float64) (float64, error) {
	if output < 0 || output >= g.Nodes()*n.out {
		return 0, fmt.Errorf("%w: output %d of %d", ErrShape, output, g.Nodes()*n.out)
	}
	if !finite(target) {
		return 0, fmt.Errorf("%w: target", ErrNotFinite)
	}
	p, err := n.forward(g)
	if err != nil {
		return 0, err
	}
	node, k := output/n.out, output%n.out
	diff := p.q.At(node, k) - target

	dq := mat.NewDense(g.Nodes(), n.out, nil)
	dq.Set(node, k, 2*diff)

	var tmp, dh2, dh1, dah1 mat.Dense
	tmp.Mul(p.h2.T(), dq)
	n.w3.grad.Add(n.w3.grad, &tmp)
	columnSums(n.b3.grad, dq)

	dh2.Mul(dq, n.w3.w.T())
	reluGrad(&dh2, p.z2)
	tmp.Reset()
	tmp.Mul(p.ah1.T(), &dh2)
	n.w2.grad.Add(n.w2.grad, &tmp)
	columnSums(n.b2.grad, &dh2)

	dah1.Mul(&dh2, n.w2.w.T())
	dh1.Mul(p.adj.T(), &dah1)
	reluGrad(&dh1, p.z1)
	tmp.Reset()
	tmp.Mul(p.ax.T(), &dh1)
	n.w1.grad.Add(n.w1.grad, &tmp)
	columnSums(n.b1.grad, &dh1)
	return diff * diff, nil
}

func (n *GCN) Snapshot() Snapshot {
	return snapshotParams(gcnKind, n.params())
}

func (n *GCN) Restore(snap Snapshot) error {
	return restoreParams(gcnKind, n.params(), snap)
}
