// Package camera models the multi-camera system the synchronization engine is
// configured with: per-camera pinhole intrinsics with radial-tangential
// distortion, and an immutable rig of N cameras. The engine itself only reads
// the camera count and index validity; the projection helpers exist for the
// processing pipelines.
package camera

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Intrinsics holds pinhole camera parameters in pixels.
type Intrinsics struct {
	Fu     float64 `json:"fu"`
	Fv     float64 `json:"fv"`
	Cu     float64 `json:"cu"`
	Cv     float64 `json:"cv"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
}

// Distortion holds radial-tangential (Brown-Conrady) coefficients. The zero
// value is a distortion-free lens.
type Distortion struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
}

// Camera is one calibrated camera. Immutable after construction.
type Camera struct {
	Label string     `json:"label"`
	Intr  Intrinsics `json:"intrinsics"`
	Dist  Distortion `json:"distortion"`
}

// Validate checks the calibration for obvious misconfiguration.
func (c *Camera) Validate() error {
	if c.Intr.Width <= 0 || c.Intr.Height <= 0 {
		return fmt.Errorf("camera %q: invalid resolution %dx%d", c.Label, c.Intr.Width, c.Intr.Height)
	}
	if c.Intr.Fu <= 0 || c.Intr.Fv <= 0 {
		return fmt.Errorf("camera %q: invalid focal length (%g, %g)", c.Label, c.Intr.Fu, c.Intr.Fv)
	}
	return nil
}

// K returns the 3x3 intrinsic matrix.
func (c *Camera) K() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c.Intr.Fu, 0, c.Intr.Cu,
		0, c.Intr.Fv, c.Intr.Cv,
		0, 0, 1,
	})
}

// distort applies the radial-tangential model to normalized coordinates.
func (c *Camera) distort(xn, yn float64) (xd, yd float64) {
	d := c.Dist
	r2 := xn*xn + yn*yn
	a := 1 + d.K1*r2 + d.K2*r2*r2
	xd = xn*a + 2*d.P1*xn*yn + d.P2*(r2+2*xn*xn)
	yd = yn*a + d.P1*(r2+2*yn*yn) + 2*d.P2*xn*yn
	return xd, yd
}

// Project maps a 3D point in the camera frame to pixel coordinates. ok is
// false when the point is behind the camera or lands outside the image.
func (c *Camera) Project(p [3]float64) (u, v float64, ok bool) {
	if p[2] <= 0 {
		return 0, 0, false
	}
	xd, yd := c.distort(p[0]/p[2], p[1]/p[2])
	u = c.Intr.Fu*xd + c.Intr.Cu
	v = c.Intr.Fv*yd + c.Intr.Cv
	ok = u >= 0 && v >= 0 && u < float64(c.Intr.Width) && v < float64(c.Intr.Height)
	return u, v, ok
}

// ProjectJacobian returns the 2x3 Jacobian of Project with respect to the 3D
// point, composed from the pinhole, distortion, and normalization stages.
func (c *Camera) ProjectJacobian(p [3]float64) *mat.Dense {
	x, y, z := p[0], p[1], p[2]
	xn, yn := x/z, y/z
	d := c.Dist
	r2 := xn*xn + yn*yn
	a := 1 + d.K1*r2 + d.K2*r2*r2
	// dc = d(a)/d(r2)
	dc := d.K1 + 2*d.K2*r2

	// Jacobian of the distortion map in normalized coordinates.
	jDist := mat.NewDense(2, 2, []float64{
		a + 2*xn*xn*dc + 2*d.P1*yn + 6*d.P2*xn,
		2*xn*yn*dc + 2*d.P1*xn + 2*d.P2*yn,
		2*xn*yn*dc + 2*d.P1*xn + 2*d.P2*yn,
		a + 2*yn*yn*dc + 6*d.P1*yn + 2*d.P2*xn,
	})

	// Jacobian of normalization (x, y, z) -> (xn, yn).
	jNorm := mat.NewDense(2, 3, []float64{
		1 / z, 0, -x / (z * z),
		0, 1 / z, -y / (z * z),
	})

	jPix := mat.NewDense(2, 2, []float64{
		c.Intr.Fu, 0,
		0, c.Intr.Fv,
	})

	var tmp, out mat.Dense
	tmp.Mul(jDist, jNorm)
	out.Mul(jPix, &tmp)
	return &out
}

// Undistort inverts the distortion model for normalized coordinates by fixed
// point iteration. Converges in a handful of iterations for realistic lenses.
func (c *Camera) Undistort(xd, yd float64) (xn, yn float64) {
	xn, yn = xd, yd
	for i := 0; i < 8; i++ {
		px, py := c.distort(xn, yn)
		dx, dy := px-xd, py-yd
		xn -= dx
		yn -= dy
		if math.Abs(dx) < 1e-12 && math.Abs(dy) < 1e-12 {
			break
		}
	}
	return xn, yn
}

// Backproject maps pixel coordinates to a unit-norm viewing ray in the camera
// frame.
func (c *Camera) Backproject(u, v float64) [3]float64 {
	xd := (u - c.Intr.Cu) / c.Intr.Fu
	yd := (v - c.Intr.Cv) / c.Intr.Fv
	xn, yn := c.Undistort(xd, yd)
	n := math.Sqrt(xn*xn + yn*yn + 1)
	return [3]float64{xn / n, yn / n, 1 / n}
}
