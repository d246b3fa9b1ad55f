package modules

import (
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/moonkyc/go-kyc-pipeline/config"
	"gorgonia.org/tensor"
)

var (
	ErrSessionNotFound = errors.New("liveness session not found")
	ErrBadLandmarkSet  = errors.New("landmark tensor must have shape (68, 2)")
)

// Outer mouth landmark indices within the 68-point annotation scheme.
const (
	mouthOuterStart = 48
	noseTipIdx      = 30
	leftFaceIdx     = 0
	rightFaceIdx    = 16
	landmarkCount   = 68
)

// LivenessSession runs the challenge set for one verification attempt. A
// session is single-use, construct a fresh one per attempt.
type LivenessSession struct {
	mu     sync.Mutex
	Params *config.LivenessParams

	challenges map[string]*config.ChallengeState

	mouthOpenFrames   int
	mouthClosedFrames int
	mouthCycles       int
	mouthIsOpen       bool
}

func NewLivenessSession(cfg *config.LivenessParams) *LivenessSession {
	if cfg == nil {
		cfg = config.DefaultLivenessParams
	}
	return &LivenessSession{
		Params: cfg,
		challenges: map[string]*config.ChallengeState{
			config.ChallengeCenter: {Name: "Face the camera"},
			config.ChallengeLeft:   {Name: "Turn head LEFT"},
			config.ChallengeRight:  {Name: "Turn head RIGHT"},
			config.ChallengeMouth:  {Name: "Open mouth 2 times"},
		},
	}
}

// mouthAspectRatio computes MAR over the 12 outer mouth points 48-59. Three
// vertical lip distances are averaged against the mouth width. A zero-width
// mouth reports 0 rather than dividing by zero.
func mouthAspectRatio(pts []float32) float64 {
	mouthPoint := func(i int) (float64, float64) {
		base := (mouthOuterStart + i) * 2
		return float64(pts[base]), float64(pts[base+1])
	}
	euclid := func(i, j int) float64 {
		xi, yi := mouthPoint(i)
		xj, yj := mouthPoint(j)
		return math.Hypot(xi-xj, yi-yj)
	}

	a := euclid(2, 10)
	b := euclid(3, 9)
	c := euclid(4, 8)
	d := euclid(0, 6)

	if d == 0 {
		return 0
	}
	return (a + b + c) / (3.0 * d)
}

// headPose classifies the head direction from the nose tip position relative
// to the face edges and the frame center.
func (s *LivenessSession) headPose(pts []float32, frameWidth int) string {
	noseX := pts[noseTipIdx*2]
	leftX := pts[leftFaceIdx*2]
	rightX := pts[rightFaceIdx*2]

	leftWidth := noseX - leftX
	rightWidth := rightX - noseX
	if leftWidth < 5 {
		leftWidth = 5
	}
	if rightWidth < 5 {
		rightWidth = 5
	}

	widthRatio := leftWidth / rightWidth
	offset := noseX - float32(frameWidth/2)

	switch {
	case widthRatio < s.Params.WidthRatioLeft || offset < -s.Params.NoseOffsetThreshold:
		return config.HeadPoseLeft
	case widthRatio > s.Params.WidthRatioRight || offset > s.Params.NoseOffsetThreshold:
		return config.HeadPoseRight
	default:
		return config.HeadPoseCenter
	}
}

// trackMouth advances the open-close state machine. Both the open and the
// close transition are debounced over consecutive frames so lip flutter near
// the threshold cannot mint cycles.
func (s *LivenessSession) trackMouth(mar float64) {
	if s.challenges[config.ChallengeMouth].Completed {
		return
	}

	if mar > float64(s.Params.MARThreshold) {
		s.mouthOpenFrames++
		s.mouthClosedFrames = 0
		if s.mouthOpenFrames >= s.Params.MouthOpenFrames && !s.mouthIsOpen {
			s.mouthIsOpen = true
		}
		return
	}

	s.mouthClosedFrames++
	if s.mouthIsOpen && s.mouthClosedFrames >= s.Params.MouthCloseFrames {
		s.mouthCycles++
		s.mouthIsOpen = false
		s.mouthOpenFrames = 0
		if s.mouthCycles >= s.Params.RequiredMouthCycles {
			s.challenges[config.ChallengeMouth].Completed = true
		}
		return
	}
	if !s.mouthIsOpen {
		s.mouthOpenFrames = 0
	}
}

func (s *LivenessSession) requiredFrames(challenge string) int {
	switch challenge {
	case config.ChallengeCenter:
		return s.Params.CenterRequiredFrames
	case config.ChallengeLeft:
		return s.Params.LeftRequiredFrames
	default:
		return s.Params.RightRequiredFrames
	}
}

// trackPose feeds the leaky-bucket counters of the directional challenges.
// The matching direction gains one frame of credit, the others decay. A
// completed challenge is locked and never decays.
func (s *LivenessSession) trackPose(pose string) {
	for _, key := range []string{config.ChallengeCenter, config.ChallengeLeft, config.ChallengeRight} {
		state := s.challenges[key]
		if state.Completed {
			continue
		}
		if pose == key {
			state.Frames++
			if state.Frames >= s.requiredFrames(key) {
				state.Completed = true
			}
		} else {
			state.Frames -= s.Params.MismatchPenalty
			if state.Frames < 0 {
				state.Frames = 0
			}
		}
	}
}

/*
ProcessFrame advances the session with one frame's landmark detections.

Inputs:

  - landmarks ([]*tensor.Dense): every (68, 2) landmark set detected in the
    frame. Zero faces and multiple faces are both treated as a no-op frame,
    only an unambiguous single face may earn challenge credit.
  - frameWidth (int): frame width in pixels, for the head offset test.

Outputs:

  - status (*config.LivenessFrameStatus): what the frame contributed.
*/
func (s *LivenessSession) ProcessFrame(landmarks []*tensor.Dense, frameWidth int) (*config.LivenessFrameStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &config.LivenessFrameStatus{
		FaceCount: len(landmarks),
		HeadPose:  config.HeadPoseNone,
	}

	if len(landmarks) != 1 {
		status.MouthCycles = s.mouthCycles
		status.Progress = s.progressLocked()
		return status, nil
	}

	lmk := landmarks[0]
	shape := lmk.Shape()
	if len(shape) != 2 || shape[0] != landmarkCount || shape[1] != 2 {
		return nil, ErrBadLandmarkSet
	}
	pts := lmk.Float32s()

	mar := mouthAspectRatio(pts)
	status.MouthAspectRatio = mar
	s.trackMouth(mar)

	pose := s.headPose(pts, frameWidth)
	status.HeadPose = pose
	s.trackPose(pose)

	status.MouthCycles = s.mouthCycles
	status.Progress = s.progressLocked()
	return status, nil
}

func (s *LivenessSession) progressLocked() float64 {
	completed := 0
	for _, c := range s.challenges {
		if c.Completed {
			completed++
		}
	}
	return float64(completed) / float64(len(s.challenges)) * 100
}

// Progress reports the completion percentage across all challenges.
func (s *LivenessSession) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

// Outcome snapshots the session result. Verified requires every challenge.
func (s *LivenessSession) Outcome() *config.LivenessOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenges := make(map[string]*config.ChallengeState, len(s.challenges))
	completed := 0
	for key, c := range s.challenges {
		snapshot := *c
		challenges[key] = &snapshot
		if c.Completed {
			completed++
		}
	}

	return &config.LivenessOutcome{
		Verified:       completed == len(s.challenges),
		Confidence:     float64(completed) / float64(len(s.challenges)) * 100,
		Challenges:     challenges,
		CompletedCount: completed,
		TotalCount:     len(s.challenges),
	}
}

// LivenessRegistry owns the in-flight sessions of concurrent verification
// attempts, keyed by opaque session IDs.
type LivenessRegistry struct {
	mu       sync.Mutex
	sessions map[string]*LivenessSession
	Params   *config.LivenessParams
}

func NewLivenessRegistry(cfg *config.LivenessParams) *LivenessRegistry {
	if cfg == nil {
		cfg = config.DefaultLivenessParams
	}
	return &LivenessRegistry{
		sessions: make(map[string]*LivenessSession),
		Params:   cfg,
	}
}

// Start creates a fresh session and returns its ID.
func (r *LivenessRegistry) Start() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	r.sessions[id] = NewLivenessSession(r.Params)
	return id
}

func (r *LivenessRegistry) get(id string) (*LivenessSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ProcessFrame routes a frame to the identified session.
func (r *LivenessRegistry) ProcessFrame(id string, landmarks []*tensor.Dense, frameWidth int) (*config.LivenessFrameStatus, error) {
	session, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return session.ProcessFrame(landmarks, frameWidth)
}

// Finish removes the session and returns its outcome. The ID cannot be
// reused afterwards, a finished attempt never accumulates further credit.
func (r *LivenessRegistry) Finish(id string) (*config.LivenessOutcome, error) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Outcome(), nil
}

// Abort discards the session without producing an outcome.
func (r *LivenessRegistry) Abort(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}
