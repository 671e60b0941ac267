package pose

import "math"

// Angle returns the angle in radians at vertex formed by the segments
// vertex→first and vertex→second.
func Angle(vertex, first, second Point) float64 {
	v1x, v1y := first.X-vertex.X, first.Y-vertex.Y
	v2x, v2y := second.X-vertex.X, second.Y-vertex.Y
	dot := v1x*v2x + v1y*v2y
	magnitude := math.Hypot(v1x, v1y) * math.Hypot(v2x, v2y)
	if magnitude < 0.0001 {
		magnitude = 0.0001
	}
	cosine := math.Max(math.Min(dot/magnitude, 1), -1)
	return math.Acos(cosine)
}

// DepthRatio measures squat depth as the hip-to-knee drop relative to the
// ankle-to-knee baseline, clamped to [0,1]. Y grows downward, so a deeper
// squat yields a larger ratio.
func DepthRatio(hip, knee, ankle Point) float64 {
	hipToKnee := hip.Y - knee.Y
	ankleToKnee := ankle.Y - knee.Y
	if ankleToKnee == 0 {
		return 0
	}
	return math.Max(math.Min(hipToKnee/ankleToKnee, 1), 0)
}
