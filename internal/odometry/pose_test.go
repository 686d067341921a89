package odometry

import "testing"

func TestNewPoseNormalizesTheta(t *testing.T) {
	p := NewPose(0, 0, 270)
	if p.ThetaDeg != -90 {
		t.Errorf("ThetaDeg = %v, want -90", p.ThetaDeg)
	}
	p2 := NewPose(0, 0, -270)
	if p2.ThetaDeg != 90 {
		t.Errorf("ThetaDeg = %v, want 90", p2.ThetaDeg)
	}
}

func TestLerpPosePosition(t *testing.T) {
	from := NewPose(0, 0, 0)
	to := NewPose(100, 200, 0)
	got := LerpPose(from, to, 0.25, 0)
	if got.XMM != 25 || got.YMM != 50 {
		t.Errorf("LerpPose position = {%v %v}, want {25 50}", got.XMM, got.YMM)
	}
}

func TestLerpPoseShortestArc(t *testing.T) {
	// Crossing the wrap boundary: 170 -> -170 is a 20deg step, not 340.
	from := NewPose(0, 0, 170)
	to := NewPose(0, 0, -170)
	got := LerpPose(from, to, 0, 1)
	if got.ThetaDeg != -170 {
		t.Errorf("ThetaDeg = %v, want -170 (full blend should land exactly on target)", got.ThetaDeg)
	}

	half := LerpPose(from, to, 0, 0.5)
	if half.ThetaDeg != 180 {
		t.Errorf("ThetaDeg = %v, want 180 (halfway across the 20deg short arc from 170)", half.ThetaDeg)
	}
}

func TestS6WorkedExample(t *testing.T) {
	// spec §8 S6: current pose (1500,2000,0), blended toward target
	// (1700,2000,0) with pose_blend=0.35, theta_blend=0.2.
	current := NewPose(1500, 2000, 0)
	target := NewPose(1700, 2000, 0)
	got := LerpPose(current, target, 0.35, 0.2)
	if got.XMM != 1570 {
		t.Errorf("XMM = %v, want 1570", got.XMM)
	}
	if got.YMM != 2000 {
		t.Errorf("YMM = %v, want 2000", got.YMM)
	}
	if got.ThetaDeg != 0 {
		t.Errorf("ThetaDeg = %v, want 0", got.ThetaDeg)
	}
}
