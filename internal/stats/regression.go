package stats

import "math"

// This file implements linear and logistic regression via plain Gaussian
// elimination over the normal equations, in the same pure-function-over-
// []float64 style as the forecasting package's Yule-Walker AR fit. A
// production build would reach for gonum/mat or gonum/stat here instead of
// hand-rolled elimination; see DESIGN.md for why those aren't part of the
// dependency surface this pack actually exercises.

// designMatrix builds an n x (1+len(cols)) matrix with an intercept column
// of ones followed by each predictor column, skipping rows where any
// predictor or the outcome is NaN. Returns the filtered design matrix, the
// filtered outcome vector, and the row indices kept (for mapping results
// back to the original rows).
func designMatrix(outcome []float64, predictors [][]float64) (X [][]float64, y []float64, kept []int) {
	n := len(outcome)
	for i := 0; i < n; i++ {
		if math.IsNaN(outcome[i]) {
			continue
		}
		ok := true
		row := make([]float64, 1+len(predictors))
		row[0] = 1
		for j, col := range predictors {
			if i >= len(col) || math.IsNaN(col[i]) {
				ok = false
				break
			}
			row[1+j] = col[i]
		}
		if !ok {
			continue
		}
		X = append(X, row)
		y = append(y, outcome[i])
		kept = append(kept, i)
	}
	return X, y, kept
}

// matMulTranspose computes X^T * X for an n x p matrix X.
func matMulTranspose(X [][]float64) [][]float64 {
	if len(X) == 0 {
		return nil
	}
	p := len(X[0])
	result := make([][]float64, p)
	for i := range result {
		result[i] = make([]float64, p)
	}
	for _, row := range X {
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				result[i][j] += row[i] * row[j]
			}
		}
	}
	return result
}

// matVecTranspose computes X^T * y.
func matVecTranspose(X [][]float64, y []float64) []float64 {
	if len(X) == 0 {
		return nil
	}
	p := len(X[0])
	result := make([]float64, p)
	for r, row := range X {
		for i := 0; i < p; i++ {
			result[i] += row[i] * y[r]
		}
	}
	return result
}

// solveLinearSystem solves A*x = b via Gaussian elimination with partial
// pivoting. A and b are not modified (copies are made internally). Returns nil
// if the system is numerically singular.
func solveLinearSystem(A [][]float64, b []float64) []float64 {
	n := len(A)
	if n == 0 {
		return nil
	}
	// Copy to avoid mutating the caller's matrix.
	M := make([][]float64, n)
	rhs := make([]float64, n)
	copy(rhs, b)
	for i := range A {
		M[i] = make([]float64, n)
		copy(M[i], A[i])
	}

	for col := 0; col < n; col++ {
		pivot := col
		best := math.Abs(M[col][col])
		for r := col + 1; r < n; r++ {
			if v := math.Abs(M[r][col]); v > best {
				best = v
				pivot = r
			}
		}
		if best < 1e-12 {
			return nil // singular or near-singular
		}
		if pivot != col {
			M[col], M[pivot] = M[pivot], M[col]
			rhs[col], rhs[pivot] = rhs[pivot], rhs[col]
		}
		for r := col + 1; r < n; r++ {
			factor := M[r][col] / M[col][col]
			for c := col; c < n; c++ {
				M[r][c] -= factor * M[col][c]
			}
			rhs[r] -= factor * rhs[col]
		}
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := rhs[i]
		for j := i + 1; j < n; j++ {
			sum -= M[i][j] * x[j]
		}
		x[i] = sum / M[i][i]
	}
	return x
}

// invertDiagonal returns the diagonal of (X^T X)^-1 via solving against each
// standard basis vector — used for coefficient standard errors. Returns nil
// if the system is singular.
func invertDiagonal(XtX [][]float64) []float64 {
	n := len(XtX)
	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		e := make([]float64, n)
		e[i] = 1
		col := solveLinearSystem(XtX, e)
		if col == nil {
			return nil
		}
		diag[i] = col[i]
	}
	return diag
}

// conditionNumber approximates the condition number of XtX as the ratio of
// the largest to smallest diagonal entry of XtX as given (the design
// columns are not mean-centered). This is a simplification (a true condition number uses singular
// values) but is sufficient to flag the gross collinearity the spec asks
// the kernel to warn about.
func conditionNumber(XtX [][]float64) float64 {
	n := len(XtX)
	if n == 0 {
		return 1
	}
	maxD, minD := XtX[0][0], XtX[0][0]
	for i := 1; i < n; i++ {
		d := XtX[i][i]
		if d > maxD {
			maxD = d
		}
		if d < minD {
			minD = d
		}
	}
	if minD <= 1e-9 {
		return math.Inf(1)
	}
	return maxD / minD
}

// OLSResult holds a fitted linear regression.
type OLSResult struct {
	Coefficients []float64 // [intercept, coef for each predictor...]
	StdErrors    []float64
	N            int
	P            int // number of predictors (excluding intercept)
	ConditionNum float64
	Residuals    []float64
}

// FitOLS fits outcome ~ intercept + predictors via ordinary least squares.
// treatmentIdx (0-based into predictors) is convenient for callers that want
// the treatment coefficient directly, but this function just returns all
// coefficients; callers index into Coefficients[1+treatmentIdx].
func FitOLS(outcome []float64, predictors [][]float64) (*OLSResult, error) {
	X, y, _ := designMatrix(outcome, predictors)
	n := len(y)
	p := len(predictors)
	if n <= p+1 {
		return nil, &InsufficientDataError{Need: p + 2, Got: n}
	}

	XtX := matMulTranspose(X)
	Xty := matVecTranspose(X, y)
	beta := solveLinearSystem(XtX, Xty)
	if beta == nil {
		return nil, &CollinearError{ConditionNumber: math.Inf(1)}
	}

	// Residual sum of squares, then sigma^2 for standard errors.
	residuals := make([]float64, n)
	var rss float64
	for i, row := range X {
		pred := 0.0
		for j, v := range row {
			pred += v * beta[j]
		}
		r := y[i] - pred
		residuals[i] = r
		rss += r * r
	}
	dof := float64(n - p - 1)
	if dof < 1 {
		dof = 1
	}
	sigma2 := rss / dof

	diag := invertDiagonal(XtX)
	stdErr := make([]float64, len(beta))
	if diag != nil {
		for i := range stdErr {
			v := sigma2 * diag[i]
			if v < 0 {
				v = 0
			}
			stdErr[i] = math.Sqrt(v)
		}
	}

	return &OLSResult{
		Coefficients: beta,
		StdErrors:    stdErr,
		N:            n,
		P:            p,
		ConditionNum: conditionNumber(XtX),
		Residuals:    residuals,
	}, nil
}

// CoefficientPValue computes the two-sided p-value for coefficient index i
// (0 = intercept) against the null of zero effect.
func (r *OLSResult) CoefficientPValue(i int) float64 {
	if i >= len(r.StdErrors) || r.StdErrors[i] == 0 {
		return 1
	}
	t := r.Coefficients[i] / r.StdErrors[i]
	df := float64(r.N - r.P - 1)
	return twoSidedPValue(t, df)
}

// CoefficientCI returns the 95% confidence interval for coefficient i using
// a normal approximation to the t critical value (1.96), adequate for the
// sample sizes this engine expects (n >= 50).
func (r *OLSResult) CoefficientCI(i int) (lower, upper float64) {
	if i >= len(r.StdErrors) {
		return 0, 0
	}
	margin := 1.96 * r.StdErrors[i]
	return r.Coefficients[i] - margin, r.Coefficients[i] + margin
}

// FitLogistic fits a binary outcome via Newton-Raphson (IRLS), returning
// coefficients on the logit scale. Converges in a handful of iterations for
// the well-conditioned designs this engine works with; if it fails to
// converge within maxIter, the last iterate is returned along with the
// partial result so callers can still report a point estimate with reduced
// confidence.
func FitLogistic(outcome []float64, predictors [][]float64) (*OLSResult, error) {
	X, y, _ := designMatrix(outcome, predictors)
	n := len(y)
	p := len(predictors)
	if n <= p+1 {
		return nil, &InsufficientDataError{Need: p + 2, Got: n}
	}

	beta := make([]float64, p+1)
	const maxIter = 25
	var XtWX [][]float64

	for iter := 0; iter < maxIter; iter++ {
		gradient := make([]float64, p+1)
		XtWX = make([][]float64, p+1)
		for i := range XtWX {
			XtWX[i] = make([]float64, p+1)
		}

		for i, row := range X {
			eta := 0.0
			for j, v := range row {
				eta += v * beta[j]
			}
			prob := 1.0 / (1.0 + math.Exp(-eta))
			w := prob * (1 - prob)
			if w < 1e-6 {
				w = 1e-6
			}
			resid := y[i] - prob
			for a := range row {
				gradient[a] += row[a] * resid
				for b := range row {
					XtWX[a][b] += row[a] * row[b] * w
				}
			}
		}

		delta := solveLinearSystem(XtWX, gradient)
		if delta == nil {
			break
		}
		maxStep := 0.0
		for i := range beta {
			beta[i] += delta[i]
			if math.Abs(delta[i]) > maxStep {
				maxStep = math.Abs(delta[i])
			}
		}
		if maxStep < 1e-6 {
			break
		}
	}

	diag := invertDiagonal(XtWX)
	stdErr := make([]float64, len(beta))
	if diag != nil {
		for i := range stdErr {
			if diag[i] > 0 {
				stdErr[i] = math.Sqrt(diag[i])
			}
		}
	}

	return &OLSResult{
		Coefficients: beta,
		StdErrors:    stdErr,
		N:            n,
		P:            p,
		ConditionNum: conditionNumber(matMulTranspose(X)),
	}, nil
}

// PredictLogit returns the fitted probability for a logistic model's row.
func (r *OLSResult) PredictLogit(row []float64) float64 {
	eta := 0.0
	for j, v := range row {
		if j >= len(r.Coefficients) {
			break
		}
		eta += v * r.Coefficients[j]
	}
	return 1.0 / (1.0 + math.Exp(-eta))
}

// InsufficientDataError signals a regression could not be fit because too
// few complete rows remained after dropping missing values.
type InsufficientDataError struct {
	Need int
	Got  int
}

func (e *InsufficientDataError) Error() string {
	return "insufficient data for regression fit"
}

// CollinearError signals the design matrix was numerically singular.
type CollinearError struct {
	ConditionNumber float64
}

func (e *CollinearError) Error() string {
	return "design matrix is collinear"
}
