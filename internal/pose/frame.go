package pose

// Joint identifies a tracked body keypoint.
type Joint string

const (
	JointHipLeft       Joint = "hip_left"
	JointHipRight      Joint = "hip_right"
	JointKneeLeft      Joint = "knee_left"
	JointKneeRight     Joint = "knee_right"
	JointAnkleLeft     Joint = "ankle_left"
	JointAnkleRight    Joint = "ankle_right"
	JointShoulderLeft  Joint = "shoulder_left"
	JointShoulderRight Joint = "shoulder_right"
)

// lowerBodyJoints are the joints that contribute to the confidence gate.
var lowerBodyJoints = []Joint{
	JointHipLeft, JointHipRight,
	JointKneeLeft, JointKneeRight,
	JointAnkleLeft, JointAnkleRight,
}

// Point is a position in normalized image space. X and Y are in [0,1];
// Y grows downward.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmark is a detected joint position with the detector's confidence.
type Landmark struct {
	Position   Point   `json:"position"`
	Confidence float64 `json:"confidence"`
}

// Frame is one pose-detection result for a single camera frame.
// Timestamp is monotonic session-clock seconds, not wall time.
type Frame struct {
	Timestamp float64            `json:"timestamp"`
	Landmarks map[Joint]Landmark `json:"landmarks"`
}

// midpoint averages the positions of two joints. Both must be present.
func (f Frame) midpoint(a, b Joint) (Point, bool) {
	la, okA := f.Landmarks[a]
	lb, okB := f.Landmarks[b]
	if !okA || !okB {
		return Point{}, false
	}
	return Point{
		X: (la.Position.X + lb.Position.X) / 2,
		Y: (la.Position.Y + lb.Position.Y) / 2,
	}, true
}

// HipMidpoint returns the midpoint of the two hip joints.
func (f Frame) HipMidpoint() (Point, bool) { return f.midpoint(JointHipLeft, JointHipRight) }

// KneeMidpoint returns the midpoint of the two knee joints.
func (f Frame) KneeMidpoint() (Point, bool) { return f.midpoint(JointKneeLeft, JointKneeRight) }

// AnkleMidpoint returns the midpoint of the two ankle joints.
func (f Frame) AnkleMidpoint() (Point, bool) { return f.midpoint(JointAnkleLeft, JointAnkleRight) }

// AverageLowerBodyConfidence is the mean confidence of the hip, knee and
// ankle landmarks present in the frame. Missing joints are skipped; a frame
// with no lower-body joints at all reports 0.
func (f Frame) AverageLowerBodyConfidence() float64 {
	var sum float64
	var n int
	for _, j := range lowerBodyJoints {
		if lm, ok := f.Landmarks[j]; ok {
			sum += lm.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
