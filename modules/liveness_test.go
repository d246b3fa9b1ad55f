package modules

import (
	"sync"
	"testing"

	"github.com/moonkyc/go-kyc-pipeline/config"
	"github.com/stretchr/testify/assert"
	_ "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const testFrameWidth = 200

// genTestLandmarks builds a (68, 2) landmark tensor with the face edge,
// nose tip and outer mouth points placed explicitly. mouthGap spreads the
// three vertical lip pairs, 0 means a closed mouth.
func genTestLandmarks(noseX, leftFaceX, rightFaceX, mouthGap float32) *tensor.Dense {
	pts := make([]float32, landmarkCount*2)

	set := func(idx int, x, y float32) {
		pts[idx*2] = x
		pts[idx*2+1] = y
	}

	set(leftFaceIdx, leftFaceX, 120)
	set(rightFaceIdx, rightFaceX, 120)
	set(noseTipIdx, noseX, 130)

	// Outer mouth, width 40 px between the corners (48 and 54).
	set(48, 60, 170)
	set(54, 100, 170)
	for i, pair := range [][2]int{{50, 58}, {51, 57}, {52, 56}} {
		x := float32(75 + i*5)
		set(pair[0], x, 170-mouthGap/2)
		set(pair[1], x, 170+mouthGap/2)
	}
	// Remaining mouth points sit on the lip line.
	for _, idx := range []int{49, 53, 55, 59} {
		set(idx, 80, 170)
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(landmarkCount, 2),
		tensor.WithBacking(pts),
	)
}

func genCenteredFace(mouthGap float32) *tensor.Dense {
	return genTestLandmarks(100, 60, 140, mouthGap)
}

func TestMouthAspectRatio(t *testing.T) {
	closed := genCenteredFace(0)
	assert.InDelta(t, 0.0, mouthAspectRatio(closed.Float32s()), 1e-6)

	// Gap 48 over width 40: MAR = (3*48)/(3*40) = 1.2
	open := genCenteredFace(48)
	assert.InDelta(t, 1.2, mouthAspectRatio(open.Float32s()), 1e-6)
}

func TestMouthAspectRatio_ZeroWidth(t *testing.T) {
	lmk := genCenteredFace(30)
	pts := lmk.Float32s()
	// Collapse the mouth corners onto each other.
	pts[48*2] = 80
	pts[54*2] = 80
	assert.Equal(t, 0.0, mouthAspectRatio(pts))
}

func TestLivenessSession_HeadPose(t *testing.T) {
	s := NewLivenessSession(nil)

	// Nose shifted toward the left face edge.
	left := genTestLandmarks(95, 50, 150, 0)
	assert.Equal(t, config.HeadPoseLeft, s.headPose(left.Float32s(), testFrameWidth))

	right := genTestLandmarks(105, 50, 150, 0)
	assert.Equal(t, config.HeadPoseRight, s.headPose(right.Float32s(), testFrameWidth))

	center := genTestLandmarks(100, 60, 140, 0)
	assert.Equal(t, config.HeadPoseCenter, s.headPose(center.Float32s(), testFrameWidth))

	// Symmetric face far off the frame center trips the offset rule.
	offLeft := genTestLandmarks(70, 30, 110, 0)
	assert.Equal(t, config.HeadPoseLeft, s.headPose(offLeft.Float32s(), testFrameWidth))
}

func TestLivenessSession_MouthCycles(t *testing.T) {
	s := NewLivenessSession(nil)

	feed := func(gap float32, frames int) {
		for i := 0; i < frames; i++ {
			_, err := s.ProcessFrame([]*tensor.Dense{genCenteredFace(gap)}, testFrameWidth)
			assert.NoError(t, err)
		}
	}

	// Two full open-close cycles complete the mouth challenge.
	feed(48, 2)
	feed(0, 2)
	status, err := s.ProcessFrame([]*tensor.Dense{genCenteredFace(0)}, testFrameWidth)
	assert.NoError(t, err)
	assert.Equal(t, 1, status.MouthCycles)

	feed(48, 2)
	feed(0, 2)
	assert.True(t, s.Outcome().Challenges[config.ChallengeMouth].Completed)
}

func TestLivenessSession_MouthDebounce(t *testing.T) {
	s := NewLivenessSession(nil)

	// A single above-threshold frame must not register as an opening.
	_, err := s.ProcessFrame([]*tensor.Dense{genCenteredFace(48)}, testFrameWidth)
	assert.NoError(t, err)
	for i := 0; i < 5; i++ {
		status, err := s.ProcessFrame([]*tensor.Dense{genCenteredFace(0)}, testFrameWidth)
		assert.NoError(t, err)
		assert.Equal(t, 0, status.MouthCycles)
	}
}

func TestLivenessSession_LeakyBucket(t *testing.T) {
	s := NewLivenessSession(nil)

	left := genTestLandmarks(95, 50, 150, 0)
	center := genCenteredFace(0)

	// Nine matching frames fall one short of the left threshold.
	for i := 0; i < 9; i++ {
		_, err := s.ProcessFrame([]*tensor.Dense{left}, testFrameWidth)
		assert.NoError(t, err)
	}
	assert.False(t, s.Outcome().Challenges[config.ChallengeLeft].Completed)

	// Mismatching frames drain the credit twice as fast as it was earned.
	for i := 0; i < 5; i++ {
		_, err := s.ProcessFrame([]*tensor.Dense{center}, testFrameWidth)
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, s.Outcome().Challenges[config.ChallengeLeft].Frames)

	// Completion locks the challenge against further decay.
	for i := 0; i < 10; i++ {
		_, err := s.ProcessFrame([]*tensor.Dense{left}, testFrameWidth)
		assert.NoError(t, err)
	}
	assert.True(t, s.Outcome().Challenges[config.ChallengeLeft].Completed)
	for i := 0; i < 20; i++ {
		_, err := s.ProcessFrame([]*tensor.Dense{center}, testFrameWidth)
		assert.NoError(t, err)
	}
	assert.True(t, s.Outcome().Challenges[config.ChallengeLeft].Completed)
}

func TestLivenessSession_AmbiguousFramesIgnored(t *testing.T) {
	s := NewLivenessSession(nil)

	status, err := s.ProcessFrame(nil, testFrameWidth)
	assert.NoError(t, err)
	assert.Equal(t, 0, status.FaceCount)
	assert.Equal(t, config.HeadPoseNone, status.HeadPose)

	two := []*tensor.Dense{genCenteredFace(0), genCenteredFace(0)}
	status, err = s.ProcessFrame(two, testFrameWidth)
	assert.NoError(t, err)
	assert.Equal(t, 2, status.FaceCount)
	assert.Equal(t, config.HeadPoseNone, status.HeadPose)
	assert.Equal(t, 0, s.Outcome().Challenges[config.ChallengeCenter].Frames)
}

func TestLivenessSession_BadLandmarkShape(t *testing.T) {
	s := NewLivenessSession(nil)

	bad := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(5, 2),
		tensor.WithBacking(make([]float32, 10)),
	)
	_, err := s.ProcessFrame([]*tensor.Dense{bad}, testFrameWidth)
	assert.ErrorIs(t, err, ErrBadLandmarkSet)
}

func TestLivenessSession_FullRun(t *testing.T) {
	s := NewLivenessSession(nil)

	left := genTestLandmarks(95, 50, 150, 0)
	right := genTestLandmarks(105, 50, 150, 0)

	// Center frames double as the mouth cycle carrier.
	feedCenter := func(gap float32, frames int) {
		for i := 0; i < frames; i++ {
			_, err := s.ProcessFrame([]*tensor.Dense{genCenteredFace(gap)}, testFrameWidth)
			assert.NoError(t, err)
		}
	}

	feedCenter(48, 2)
	feedCenter(0, 2)
	feedCenter(48, 2)
	feedCenter(0, 9)
	for i := 0; i < 10; i++ {
		_, err := s.ProcessFrame([]*tensor.Dense{left}, testFrameWidth)
		assert.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := s.ProcessFrame([]*tensor.Dense{right}, testFrameWidth)
		assert.NoError(t, err)
	}

	outcome := s.Outcome()
	assert.True(t, outcome.Verified)
	assert.Equal(t, 4, outcome.CompletedCount)
	assert.Equal(t, 4, outcome.TotalCount)
	assert.Equal(t, 100.0, outcome.Confidence)
	assert.Equal(t, 100.0, s.Progress())
}

func TestLivenessRegistry_SessionIsolation(t *testing.T) {
	r := NewLivenessRegistry(nil)

	idA := r.Start()
	idB := r.Start()
	assert.NotEqual(t, idA, idB)

	left := genTestLandmarks(95, 50, 150, 0)
	for i := 0; i < 10; i++ {
		_, err := r.ProcessFrame(idA, []*tensor.Dense{left}, testFrameWidth)
		assert.NoError(t, err)
	}

	outcomeA, err := r.Finish(idA)
	assert.NoError(t, err)
	assert.True(t, outcomeA.Challenges[config.ChallengeLeft].Completed)

	outcomeB, err := r.Finish(idB)
	assert.NoError(t, err)
	assert.False(t, outcomeB.Challenges[config.ChallengeLeft].Completed)
}

func TestLivenessRegistry_FinishedSessionUnusable(t *testing.T) {
	r := NewLivenessRegistry(nil)

	id := r.Start()
	_, err := r.Finish(id)
	assert.NoError(t, err)

	_, err = r.ProcessFrame(id, []*tensor.Dense{genCenteredFace(0)}, testFrameWidth)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = r.Finish(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLivenessRegistry_Abort(t *testing.T) {
	r := NewLivenessRegistry(nil)

	id := r.Start()
	assert.NoError(t, r.Abort(id))
	assert.ErrorIs(t, r.Abort(id), ErrSessionNotFound)
}

func TestLivenessRegistry_ConcurrentFrames(t *testing.T) {
	r := NewLivenessRegistry(nil)

	ids := make([]string, 8)
	for i := range ids {
		ids[i] = r.Start()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := r.ProcessFrame(sessionID, []*tensor.Dense{genCenteredFace(0)}, testFrameWidth)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		outcome, err := r.Finish(id)
		assert.NoError(t, err)
		assert.True(t, outcome.Challenges[config.ChallengeCenter].Completed)
	}
}
