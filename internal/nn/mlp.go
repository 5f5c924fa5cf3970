package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

var ErrShapeMismatch = errors.New("parameter shapes do not match")

// MLP is a fully connected ReLU network. W[l] has shape (in, out) so a batch
// X of shape (batch, in) maps to X·W[l] + b[l].
type MLP struct {
	sizes []int
	w     []*mat.Dense
	b     []*mat.VecDense
}

// Params is the plain, serializable form of an MLP (row-major weights).
type Params struct {
	Sizes   []int       `msgpack:"sizes"`
	Weights [][]float64 `msgpack:"weights"`
	Biases  [][]float64 `msgpack:"biases"`
}

// Activations keeps the per-layer outputs of a batched forward pass;
// Activations[0] is the input.
type Activations []*mat.Dense

// Gradients mirrors the parameter layout of an MLP.
type Gradients struct {
	W []*mat.Dense
	B []*mat.VecDense
}

// NewMLP builds a network with layer widths sizes[0] -> ... -> sizes[n-1],
// initialised uniformly in ±1/sqrt(fan_in).
func NewMLP(rng *rand.Rand, sizes ...int) *MLP {
	if len(sizes) < 2 {
		panic("nn: an MLP needs at least an input and an output size")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	m := &MLP{sizes: append([]int(nil), sizes...)}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		bound := 1 / math.Sqrt(float64(in))
		wData := make([]float64, in*out)
		for i := range wData {
			wData[i] = (rng.Float64()*2 - 1) * bound
		}
		bData := make([]float64, out)
		for i := range bData {
			bData[i] = (rng.Float64()*2 - 1) * bound
		}
		m.w = append(m.w, mat.NewDense(in, out, wData))
		m.b = append(m.b, mat.NewVecDense(out, bData))
	}
	return m
}

func (m *MLP) Sizes() []int {
	return append([]int(nil), m.sizes...)
}

func (m *MLP) InputSize() int  { return m.sizes[0] }
func (m *MLP) OutputSize() int { return m.sizes[len(m.sizes)-1] }

// Forward evaluates a single sample.
func (m *MLP) Forward(x []float64) []float64 {
	in := mat.NewDense(1, len(x), append([]float64(nil), x...))
	acts := m.ForwardBatch(in)
	return append([]float64(nil), acts[len(acts)-1].RawRowView(0)...)
}

// ForwardBatch evaluates every row of x and returns all layer outputs.
func (m *MLP) ForwardBatch(x *mat.Dense) Activations {
	_, cols := x.Dims()
	if cols != m.sizes[0] {
		panic(fmt.Sprintf("nn: input width %d, network expects %d", cols, m.sizes[0]))
	}
	acts := make(Activations, 0, len(m.w)+1)
	acts = append(acts, x)
	a := x
	last := len(m.w) - 1
	for l := range m.w {
		var z mat.Dense
		z.Mul(a, m.w[l])
		bias := m.b[l]
		relu := l < last
		z.Apply(func(_, j int, v float64) float64 {
			v += bias.AtVec(j)
			if relu && v < 0 {
				return 0
			}
			return v
		}, &z)
		acts = append(acts, &z)
		a = &z
	}
	return acts
}

// Backward propagates dOut (shape of the final activation) and returns the
// parameter gradients.
func (m *MLP) Backward(acts Activations, dOut *mat.Dense) Gradients {
	grads := Gradients{
		W: make([]*mat.Dense, len(m.w)),
		B: make([]*mat.VecDense, len(m.b)),
	}
	delta := dOut
	for l := len(m.w) - 1; l >= 0; l-- {
		var gw mat.Dense
		gw.Mul(acts[l].T(), delta)
		grads.W[l] = &gw

		rows, cols := delta.Dims()
		gb := mat.NewVecDense(cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				gb.SetVec(j, gb.AtVec(j)+delta.At(i, j))
			}
		}
		grads.B[l] = gb

		if l == 0 {
			break
		}
		var prev mat.Dense
		prev.Mul(delta, m.w[l].T())
		act := acts[l]
		prev.Apply(func(i, j int, v float64) float64 {
			if act.At(i, j) <= 0 {
				return 0
			}
			return v
		}, &prev)
		delta = &prev
	}
	return grads
}

// CopyFrom overwrites every parameter with the values of src.
func (m *MLP) CopyFrom(src *MLP) error {
	if !sameSizes(m.sizes, src.sizes) {
		return ErrShapeMismatch
	}
	for l := range m.w {
		m.w[l].Copy(src.w[l])
		m.b[l].CopyVec(src.b[l])
	}
	return nil
}

// Clone returns an independent deep copy.
func (m *MLP) Clone() *MLP {
	out := &MLP{sizes: append([]int(nil), m.sizes...)}
	for l := range m.w {
		out.w = append(out.w, mat.DenseCopyOf(m.w[l]))
		out.b = append(out.b, mat.VecDenseCopyOf(m.b[l]))
	}
	return out
}

// Equal reports exact (bitwise for finite values) equality of parameters.
func (m *MLP) Equal(other *MLP) bool {
	if !sameSizes(m.sizes, other.sizes) {
		return false
	}
	for l := range m.w {
		if !mat.Equal(m.w[l], other.w[l]) || !mat.Equal(m.b[l], other.b[l]) {
			return false
		}
	}
	return true
}

func (m *MLP) Params() Params {
	p := Params{Sizes: m.Sizes()}
	for l := range m.w {
		p.Weights = append(p.Weights, append([]float64(nil), m.w[l].RawMatrix().Data...))
		p.Biases = append(p.Biases, append([]float64(nil), m.b[l].RawVector().Data...))
	}
	return p
}

func (m *MLP) SetParams(p Params) error {
	if !sameSizes(m.sizes, p.Sizes) || len(p.Weights) != len(m.w) || len(p.Biases) != len(m.b) {
		return ErrShapeMismatch
	}
	for l := range m.w {
		in, out := m.sizes[l], m.sizes[l+1]
		if len(p.Weights[l]) != in*out || len(p.Biases[l]) != out {
			return fmt.Errorf("layer %d: %w", l, ErrShapeMismatch)
		}
	}
	for l := range m.w {
		in, out := m.sizes[l], m.sizes[l+1]
		m.w[l] = mat.NewDense(in, out, append([]float64(nil), p.Weights[l]...))
		m.b[l] = mat.NewVecDense(out, append([]float64(nil), p.Biases[l]...))
	}
	return nil
}

// Norm is the L2 norm over every gradient element.
func (g Gradients) Norm() float64 {
	var sum float64
	for l := range g.W {
		for _, v := range g.W[l].RawMatrix().Data {
			sum += v * v
		}
		for _, v := range g.B[l].RawVector().Data {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

func (g Gradients) Scale(f float64) {
	for l := range g.W {
		g.W[l].Scale(f, g.W[l])
		g.B[l].ScaleVec(f, g.B[l])
	}
}

// ClipNorm rescales g in place so its norm does not exceed maxNorm and
// returns the norm measured before clipping.
func (g Gradients) ClipNorm(maxNorm float64) float64 {
	norm := g.Norm()
	if maxNorm > 0 && norm > maxNorm {
		g.Scale(maxNorm / (norm + 1e-6))
	}
	return norm
}

func sameSizes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
