// Package network is the differentiable-model capability the value-learning agents
// call through: a forward pass, and one gradient step pulling a single output toward
// a target under squared error. Parameters live in gonum matrices and are optimised
// with Adam.
package network

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Model maps an input to a flat vector of output values.
type Model[In any] interface {
	// Predict runs a forward pass.
	Predict(in In) ([]float64, error)
	// Fit performs one optimiser step on (Predict(in)[output] - target)^2 and returns
	// the loss before the step.
	Fit(in In, output int, target float64) (float64, error)
	// Snapshot copies the parameters out; Restore copies them back in.
	Snapshot() Snapshot
	Restore(Snapshot) error
}

var (
	// ErrShape is returned when an input or snapshot does not match the model.
	ErrShape = errors.New("shape mismatch")
	// ErrNotFinite is returned when a target or input holds NaN or Inf.
	ErrNotFinite = errors.New("value is not finite")
)

// Param is one named parameter matrix in a snapshot.
type Param struct {
	Name string    `yaml:"name"`
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

// Snapshot is a serialisable copy of a model's parameters.
type Snapshot struct {
	Kind   string  `yaml:"kind"`
	Params []Param `yaml:"params"`
}

// param is a learnable matrix with its gradient and Adam moments.
type param struct {
	name string
	w    *mat.Dense
	grad *mat.Dense
	m, v []float64
}

func newParam(name string, rows, cols int) *param {
	return &param{
		name: name,
		w:    mat.NewDense(rows, cols, nil),
		grad: mat.NewDense(rows, cols, nil),
		m:    make([]float64, rows*cols),
		v:    make([]float64, rows*cols),
	}
}

// uniform fills the parameter from U(-bound, bound).
func (p *param) uniform(rng *rand.Rand, bound float64) {
	data := p.w.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
}

func snapshotParams(kind string, params []*param) Snapshot {
	snap := Snapshot{Kind: kind}
	for _, p := range params {
		r, c := p.w.Dims()
		snap.Params = append(snap.Params, Param{
			Name: p.name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), p.w.RawMatrix().Data...),
		})
	}
	return snap
}

func restoreParams(kind string, params []*param, snap Snapshot) error {
	if snap.Kind != kind {
		return fmt.Errorf("%w: snapshot kind %q, want %q", ErrShape, snap.Kind, kind)
	}
	if len(snap.Params) != len(params) {
		return fmt.Errorf("%w: snapshot has %d params, want %d", ErrShape, len(snap.Params), len(params))
	}
	for i, p := range params {
		r, c := p.w.Dims()
		sp := snap.Params[i]
		if sp.Name != p.name || sp.Rows != r || sp.Cols != c || len(sp.Data) != r*c {
			return fmt.Errorf("%w: param %s is %dx%d, want %s %dx%d", ErrShape, sp.Name, sp.Rows, sp.Cols, p.name, r, c)
		}
	}
	// Validated first so a bad snapshot never leaves a half-restored model.
	for i, p := range params {
		copy(p.w.RawMatrix().Data, snap.Params[i].Data)
		for j := range p.m {
			p.m[j], p.v[j] = 0, 0
		}
	}
	return nil
}

// Adam is the Adam optimiser with the usual defaults.
type Adam struct {
	LearningRate float64
	Beta1, Beta2 float64
	Epsilon      float64
	t            int
}

// NewAdam returns an optimiser with beta1 0.9, beta2 0.999 and epsilon 1e-8.
func NewAdam(learningRate float64) *Adam {
	return &Adam{LearningRate: learningRate, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Step applies the accumulated gradients and zeroes them.
func (a *Adam) Step(params []*param) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for _, p := range params {
		w := p.w.RawMatrix().Data
		g := p.grad.RawMatrix().Data
		for i := range w {
			p.m[i] = a.Beta1*p.m[i] + (1-a.Beta1)*g[i]
			p.v[i] = a.Beta2*p.v[i] + (1-a.Beta2)*g[i]*g[i]
			mhat := p.m[i] / c1
			vhat := p.v[i] / c2
			w[i] -= a.LearningRate * mhat / (math.Sqrt(vhat) + a.Epsilon)
			g[i] = 0
		}
	}
}

func relu(_, _ int, v float64) float64 {
	return math.Max(0, v)
}

// reluGrad zeroes the entries of grad where the pre-activation was not positive.
func reluGrad(grad, pre *mat.Dense) {
	g := grad.RawMatrix()
	p := pre.RawMatrix()
	for i := 0; i < g.Rows; i++ {
		for j := 0; j < g.Cols; j++ {
			if p.Data[i*p.Stride+j] <= 0 {
				g.Data[i*g.Stride+j] = 0
			}
		}
	}
}

// affine returns x*w + b, broadcasting the 1xC bias b over the rows of x*w.
func affine(x mat.Matrix, w, b *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(x, w)
	rows, _ := z.Dims()
	bias := b.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &z
}

// columnSums sums the rows of m into the 1xC dst.
func columnSums(dst *mat.Dense, m *mat.Dense) {
	out := dst.RawRowView(0)
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		for j, v := range m.RawRowView(i) {
			out[j] += v
		}
	}
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
