// Package galerkin provides a dense affine-decomposed collaborator
// for the offline training loop in package rb: a truth solver, a
// Galerkin basis enricher, and a residual-based error bound over one
// shared reduced basis.
//
// The operator has the affine form
//
//	A(mu) = sum_q theta_q(mu) * A_q
//
// with parameter-independent symmetric components A_q and scalar
// theta coefficients, so assembling A(mu) and the reduced system is
// cheap for any parameter point.
package galerkin

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/rbtrain/rbtrain/rb"
)

// A Theta is one parameter-dependent coefficient of the affine
// decomposition.
type Theta func(mu *rb.ParameterSet) float64

// ErrSingular is returned when an operator assembly cannot be
// factorized.
var ErrSingular = errors.New("singular operator")

// A Problem is an affine-decomposed symmetric steady problem plus
// the reduced basis grown so far. It implements rb.Evaluator,
// rb.TruthSolver, and rb.Enricher.
//
// A Problem is not safe for concurrent use; in a simulated process
// group, give each rank its own copy.
type Problem struct {
	ops    []*mat.SymDense
	thetas []Theta
	rhs    *mat.VecDense

	// Orthonormal basis vectors in enrichment order.
	basis []*mat.VecDense

	// Lower bound on the operator's stability (coercivity)
	// constant, dividing the residual norm in the error bound.
	stability float64

	// Snapshots whose orthogonal remainder falls below this
	// fraction of their norm are treated as already spanned.
	dropTol float64
}

// NewProblem creates a problem from its affine components. All
// components must be square with matching sizes, one theta per
// component.
func NewProblem(ops []*mat.SymDense, thetas []Theta, rhs *mat.VecDense) (*Problem, error) {
	if len(ops) == 0 || len(ops) != len(thetas) {
		return nil, fmt.Errorf("galerkin: %d operator components with %d thetas: %w",
			len(ops), len(thetas), rb.ErrConfig)
	}
	n := rhs.Len()
	for q, op := range ops {
		if r, _ := op.Dims(); r != n {
			return nil, fmt.Errorf("galerkin: component %d is %dx%d for a %d-dof right-hand side: %w",
				q, r, r, n, rb.ErrConfig)
		}
	}
	return &Problem{
		ops:       ops,
		thetas:    thetas,
		rhs:       rhs,
		stability: 1,
		dropTol:   1e-12,
	}, nil
}

// SetStability sets the stability-constant lower bound used to scale
// the residual error bound. It must be positive.
func (p *Problem) SetStability(alpha float64) error {
	if alpha <= 0 {
		return fmt.Errorf("galerkin: stability constant %g must be positive: %w",
			alpha, rb.ErrConfig)
	}
	p.stability = alpha
	return nil
}

// Dofs returns the truth-space dimension.
func (p *Problem) Dofs() int {
	return p.rhs.Len()
}

// BasisSize returns the current reduced basis size.
func (p *Problem) BasisSize() int {
	return len(p.basis)
}

// Basis returns the i-th orthonormal basis vector.
func (p *Problem) Basis(i int) *mat.VecDense {
	return p.basis[i]
}

// Operator assembles A(mu) from the affine components.
func (p *Problem) Operator(mu *rb.ParameterSet) *mat.SymDense {
	n := p.Dofs()
	a := mat.NewSymDense(n, nil)
	for q, op := range p.ops {
		theta := p.thetas[q](mu)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				a.SetSym(i, j, a.At(i, j)+theta*op.At(i, j))
			}
		}
	}
	return a
}

// TruthSolve assembles and solves the full system at mu. The
// snapshot is the truth solution vector (a *mat.VecDense).
func (p *Problem) TruthSolve(mu *rb.ParameterSet) (interface{}, error) {
	a := p.Operator(mu)
	var u mat.VecDense

	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(&u, p.rhs); err != nil {
			return nil, fmt.Errorf("galerkin: truth solve at %v: %w", mu, err)
		}
		return &u, nil
	}

	// Not positive definite; fall back to LU.
	var lu mat.LU
	lu.Factorize(mat.NewDense(p.Dofs(), p.Dofs(), denseData(a)))
	if err := lu.SolveVecTo(&u, false, p.rhs); err != nil {
		return nil, fmt.Errorf("galerkin: truth solve at %v: %w: %v", mu, ErrSingular, err)
	}
	return &u, nil
}

// Enrich orthonormalizes a truth snapshot against the basis with
// modified Gram-Schmidt and appends the remainder. A snapshot
// already spanned by the basis leaves it unchanged.
func (p *Problem) Enrich(snapshot interface{}) (int, error) {
	u, ok := snapshot.(*mat.VecDense)
	if !ok {
		return len(p.basis), fmt.Errorf("galerkin: enrich expects a *mat.VecDense snapshot, got %T: %w",
			snapshot, rb.ErrConfig)
	}
	if u.Len() != p.Dofs() {
		return len(p.basis), fmt.Errorf("galerkin: snapshot has %d dofs, want %d: %w",
			u.Len(), p.Dofs(), rb.ErrConfig)
	}

	w := mat.VecDenseCopyOf(u)
	norm0 := mat.Norm(w, 2)
	if norm0 == 0 {
		return len(p.basis), nil
	}
	for _, v := range p.basis {
		w.AddScaledVec(w, -mat.Dot(w, v), v)
	}
	norm := mat.Norm(w, 2)
	if norm <= p.dropTol*norm0 {
		return len(p.basis), nil
	}
	w.ScaleVec(1/norm, w)
	p.basis = append(p.basis, w)
	return len(p.basis), nil
}

// RBSolve solves the reduced problem at mu with the first basisSize
// basis vectors, returning the reduced coefficients and the
// compliant output f'*V*u_rb.
func (p *Problem) RBSolve(mu *rb.ParameterSet, basisSize int) (*mat.VecDense, float64, error) {
	if basisSize < 0 || basisSize > len(p.basis) {
		return nil, 0, fmt.Errorf("galerkin: reduced solve with basis size %d of %d: %w",
			basisSize, len(p.basis), rb.ErrConfig)
	}
	if basisSize == 0 {
		return mat.NewVecDense(0, nil), 0, nil
	}

	a := p.Operator(mu)
	n := p.Dofs()

	// Reduced system A_r = V' A V, f_r = V' f.
	av := mat.NewDense(n, basisSize, nil)
	for j := 0; j < basisSize; j++ {
		var col mat.VecDense
		col.MulVec(a, p.basis[j])
		for i := 0; i < n; i++ {
			av.Set(i, j, col.AtVec(i))
		}
	}
	ar := mat.NewDense(basisSize, basisSize, nil)
	fr := mat.NewVecDense(basisSize, nil)
	for i := 0; i < basisSize; i++ {
		fr.SetVec(i, mat.Dot(p.basis[i], p.rhs))
		for j := 0; j < basisSize; j++ {
			var avj mat.VecDense
			avj.ColViewOf(av, j)
			ar.Set(i, j, mat.Dot(p.basis[i], &avj))
		}
	}

	var urb mat.VecDense
	var lu mat.LU
	lu.Factorize(ar)
	if err := lu.SolveVecTo(&urb, false, fr); err != nil {
		return nil, 0, fmt.Errorf("galerkin: reduced solve at %v: %w: %v", mu, ErrSingular, err)
	}

	output := 0.0
	for j := 0; j < basisSize; j++ {
		output += urb.AtVec(j) * mat.Dot(p.basis[j], p.rhs)
	}
	return &urb, output, nil
}

// ErrorBound evaluates the residual-based bound
//
//	||f - A(mu) V u_rb||_2 / alpha
//
// at mu for the given basis size. With an empty basis the bound is
// the scaled right-hand-side norm.
func (p *Problem) ErrorBound(mu *rb.ParameterSet, basisSize int) (float64, error) {
	if basisSize == 0 {
		return mat.Norm(p.rhs, 2) / p.stability, nil
	}
	urb, _, err := p.RBSolve(mu, basisSize)
	if err != nil {
		return 0, err
	}

	// Residual r = f - A(mu) * (V u_rb).
	n := p.Dofs()
	uFull := mat.NewVecDense(n, nil)
	for j := 0; j < basisSize; j++ {
		uFull.AddScaledVec(uFull, urb.AtVec(j), p.basis[j])
	}
	var au mat.VecDense
	au.MulVec(p.Operator(mu), uFull)
	res := mat.NewVecDense(n, nil)
	res.SubVec(p.rhs, &au)
	return mat.Norm(res, 2) / p.stability, nil
}

// denseData flattens a symmetric matrix to row-major dense data.
func denseData(a *mat.SymDense) []float64 {
	n, _ := a.Dims()
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = a.At(i, j)
		}
	}
	return out
}
