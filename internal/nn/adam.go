package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// Adam keeps first and second moment estimates per parameter.
type Adam struct {
	lr float64
	t  int
	m  []*mat.Dense
	v  []*mat.Dense
	mb []*mat.VecDense
	vb []*mat.VecDense
}

// AdamState is the serializable optimizer state.
type AdamState struct {
	LearningRate float64     `msgpack:"learning_rate"`
	Step         int         `msgpack:"step"`
	MW           [][]float64 `msgpack:"m_w"`
	VW           [][]float64 `msgpack:"v_w"`
	MB           [][]float64 `msgpack:"m_b"`
	VB           [][]float64 `msgpack:"v_b"`
}

func NewAdam(net *MLP, lr float64) *Adam {
	a := &Adam{lr: lr}
	for l := range net.w {
		r, c := net.w[l].Dims()
		a.m = append(a.m, mat.NewDense(r, c, nil))
		a.v = append(a.v, mat.NewDense(r, c, nil))
		n := net.b[l].Len()
		a.mb = append(a.mb, mat.NewVecDense(n, nil))
		a.vb = append(a.vb, mat.NewVecDense(n, nil))
	}
	return a
}

func (a *Adam) LearningRate() float64 { return a.lr }

// Step applies one Adam update of g to net.
func (a *Adam) Step(net *MLP, g Gradients) {
	a.t++
	c1 := 1 - math.Pow(adamBeta1, float64(a.t))
	c2 := 1 - math.Pow(adamBeta2, float64(a.t))
	for l := range net.w {
		adamUpdate(net.w[l].RawMatrix().Data, g.W[l].RawMatrix().Data, a.m[l].RawMatrix().Data, a.v[l].RawMatrix().Data, a.lr, c1, c2)
		adamUpdate(net.b[l].RawVector().Data, g.B[l].RawVector().Data, a.mb[l].RawVector().Data, a.vb[l].RawVector().Data, a.lr, c1, c2)
	}
}

func adamUpdate(param, grad, m, v []float64, lr, c1, c2 float64) {
	for i := range param {
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*grad[i]
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*grad[i]*grad[i]
		mHat := m[i] / c1
		vHat := v[i] / c2
		param[i] -= lr * mHat / (math.Sqrt(vHat) + adamEpsilon)
	}
}

func (a *Adam) State() AdamState {
	s := AdamState{LearningRate: a.lr, Step: a.t}
	for l := range a.m {
		s.MW = append(s.MW, append([]float64(nil), a.m[l].RawMatrix().Data...))
		s.VW = append(s.VW, append([]float64(nil), a.v[l].RawMatrix().Data...))
		s.MB = append(s.MB, append([]float64(nil), a.mb[l].RawVector().Data...))
		s.VB = append(s.VB, append([]float64(nil), a.vb[l].RawVector().Data...))
	}
	return s
}

// Validate checks that s fits this optimizer without modifying it.
func (a *Adam) Validate(s AdamState) error {
	if len(s.MW) != len(a.m) || len(s.VW) != len(a.v) || len(s.MB) != len(a.mb) || len(s.VB) != len(a.vb) {
		return ErrShapeMismatch
	}
	for l := range a.m {
		r, c := a.m[l].Dims()
		n := a.mb[l].Len()
		if len(s.MW[l]) != r*c || len(s.VW[l]) != r*c || len(s.MB[l]) != n || len(s.VB[l]) != n {
			return ErrShapeMismatch
		}
	}
	return nil
}

func (a *Adam) SetState(s AdamState) error {
	if err := a.Validate(s); err != nil {
		return err
	}
	if s.LearningRate > 0 {
		a.lr = s.LearningRate
	}
	a.t = s.Step
	for l := range a.m {
		r, c := a.m[l].Dims()
		n := a.mb[l].Len()
		a.m[l] = mat.NewDense(r, c, append([]float64(nil), s.MW[l]...))
		a.v[l] = mat.NewDense(r, c, append([]float64(nil), s.VW[l]...))
		a.mb[l] = mat.NewVecDense(n, append([]float64(nil), s.MB[l]...))
		a.vb[l] = mat.NewVecDense(n, append([]float64(nil), s.VB[l]...))
	}
	return nil
}
