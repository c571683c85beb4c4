package frames

import "image"

// Keypoint is a detected interest point in processed-image coordinates.
type Keypoint struct {
	U     float64 // column, pixels
	V     float64 // row, pixels
	Score float64 // detector response
	Scale float64 // detection scale, pixels

	// UncertaintyPx is the isotropic measurement standard deviation assigned
	// at insertion time.
	UncertaintyPx float64
}

// KeypointsToImagePoints converts keypoints to integer image points by
// rounding, for interop with image-space algorithms.
func KeypointsToImagePoints(kps []Keypoint) []image.Point {
	pts := make([]image.Point, len(kps))
	for i, kp := range kps {
		pts[i] = image.Point{X: int(kp.U + 0.5), Y: int(kp.V + 0.5)}
	}
	return pts
}

// ImagePointsToKeypoints converts integer image points back to keypoints.
// Score and scale are left zero; the uncertainty is fixed for the whole list.
func ImagePointsToKeypoints(pts []image.Point, uncertaintyPx float64) []Keypoint {
	kps := make([]Keypoint, len(pts))
	for i, pt := range pts {
		kps[i] = Keypoint{U: float64(pt.X), V: float64(pt.Y), UncertaintyPx: uncertaintyPx}
	}
	return kps
}
