package centring

import (
	"errors"
	"math"
)

// Point is one sample-position click in image pixels at a phi angle in degrees.
type Point struct {
	Phi float64 `json:"phi"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
}

// Correction is the fitted sample offset, in millimetres.
type Correction struct {
	// Vertical offset model dy(phi) = A*sin(phi) + B*cos(phi) + C.
	A float64
	B float64
	C float64
	// Mean horizontal offset along the rotation axis.
	DX float64
}

var ErrDegenerate = errors.New("centring points do not determine the rotation axis")

// Fit solves the least-squares system for the vertical offsets of points
// taken at different phi angles. Offsets are measured from the beam centre
// and scaled by pixels per millimetre.
func Fit(points []Point, ppmX, ppmY, beamX, beamY float64) (Correction, error) {
	if len(points) < 3 {
		return Correction{}, ErrDegenerate
	}
	if ppmX <= 0 || ppmY <= 0 {
		return Correction{}, errors.New("pixels per mm not calibrated")
	}

	// Normal equations M·[a b c] = v.
	var m [3][3]float64
	var v [3]float64
	var dx float64

	for _, p := range points {
		rad := p.Phi * math.Pi / 180
		row := [3]float64{math.Sin(rad), math.Cos(rad), 1}
		dy := (p.Y - beamY) / ppmY

		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] += row[i] * row[j]
			}
			v[i] += row[i] * dy
		}
		dx += (p.X - beamX) / ppmX
	}

	sol, err := solve3(m, v)
	if err != nil {
		return Correction{}, err
	}

	return Correction{A: sol[0], B: sol[1], C: sol[2], DX: dx / float64(len(points))}, nil
}

// solve3 is Gaussian elimination with partial pivoting.
func solve3(m [3][3]float64, v [3]float64) ([3]float64, error) {
	const eps = 1e-9

	for col := 0; col < 3; col++ {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < eps {
			return [3]float64{}, ErrDegenerate
		}
		m[col], m[pivot] = m[pivot], m[col]
		v[col], v[pivot] = v[pivot], v[col]

		for r := col + 1; r < 3; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c < 3; c++ {
				m[r][c] -= f * m[col][c]
			}
			v[r] -= f * v[col]
		}
	}

	var x [3]float64
	for r := 2; r >= 0; r-- {
		sum := v[r]
		for c := r + 1; c < 3; c++ {
			sum -= m[r][c] * x[c]
		}
		x[r] = sum / m[r][r]
	}
	return x, nil
}
