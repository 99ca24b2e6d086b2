package foveation

import (
	"math"
	"testing"

	"streamxr/pkg/protocol"
)

func quatYaw(yaw float64) *[4]float64 {
	return &[4]float64{0, math.Sin(yaw / 2), 0, math.Cos(yaw / 2)}
}

func TestNoPoseNoOpinion(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.Select("ghost", [3]float64{0, 0, -2}); ok {
		t.Fatal("expected no opinion before the first pose update")
	}
}

func TestObjectBehindViewerSkipped(t *testing.T) {
	tr := NewTracker()
	// Facing away from -Z: yaw pi turns the view vector to (0, 0, 1).
	tr.Update("c1", protocol.Pose{Quaternion: quatYaw(math.Pi)})

	sel, ok := tr.Select("c1", [3]float64{0, 0, -2})
	if !ok {
		t.Fatal("expected an opinion after Update")
	}
	if !sel.Skip {
		t.Fatalf("object behind the viewer must be skipped, got tier %s at %.1f degrees", sel.Tier, sel.Angle)
	}
}

func TestEulerRotationFallback(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{Rotation: &[3]float64{0, math.Pi, 0}})

	sel, ok := tr.Select("c1", [3]float64{0, 0, -2})
	if !ok || !sel.Skip {
		t.Fatalf("euler yaw must behave like the quaternion: ok=%v sel=%+v", ok, sel)
	}
}

func TestFovealGetsHighAtAnyDistance(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{})

	for _, dist := range []float64{0.5, 10, 500} {
		sel, ok := tr.Select("c1", [3]float64{0, 0, -dist})
		if !ok || sel.Skip || sel.Tier != protocol.LODHigh {
			t.Fatalf("dead-ahead object at %.1f: got %+v", dist, sel)
		}
	}
}

func TestObjectAtEyeIsFoveal(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{Position: [3]float64{3, 1, -4}})

	sel, ok := tr.Select("c1", [3]float64{3, 1, -4})
	if !ok || sel.Skip || sel.Tier != protocol.LODHigh {
		t.Fatalf("coincident object: got %+v", sel)
	}
}

func TestPeripheralDistanceGate(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{})

	// 45 degrees off axis in the horizontal plane.
	dir := [3]float64{math.Sin(math.Pi / 4), 0, -math.Cos(math.Pi / 4)}

	near, _ := tr.Select("c1", scale(dir, 10))
	if near.Skip || near.Tier != protocol.LODLow {
		t.Fatalf("peripheral at 10 units: got %+v", near)
	}

	far, _ := tr.Select("c1", scale(dir, 40))
	if !far.Skip {
		t.Fatalf("peripheral at 40 units must be skipped, got %+v", far)
	}
}

func TestFarPeripheralDistanceGate(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{})

	dir := [3]float64{math.Sin(75 * math.Pi / 180), 0, -math.Cos(75 * math.Pi / 180)}

	near, _ := tr.Select("c1", scale(dir, 4))
	if near.Skip || near.Tier != protocol.LODLow {
		t.Fatalf("far-peripheral at 4 units: got %+v", near)
	}

	far, _ := tr.Select("c1", scale(dir, 6))
	if !far.Skip {
		t.Fatalf("far-peripheral at 6 units must be skipped, got %+v", far)
	}
}

func TestNinetyDegreesIsStillFarPeripheral(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{})

	// Exactly side-on, within the far-peripheral distance gate.
	sel, _ := tr.Select("c1", [3]float64{3, 0, 0})
	if sel.Skip || sel.Tier != protocol.LODLow {
		t.Fatalf("90 degrees at 3 units must be low, not skipped: %+v", sel)
	}
	if math.Abs(sel.Angle-90) > 1e-6 {
		t.Fatalf("expected a 90 degree angle, got %.6f", sel.Angle)
	}
}

func TestEyePositionOffset(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{Position: [3]float64{10, 2, 5}})

	sel, _ := tr.Select("c1", [3]float64{10, 2, 3})
	if sel.Skip || sel.Tier != protocol.LODHigh {
		t.Fatalf("object straight ahead of the offset eye: got %+v", sel)
	}
}

// rotateView maps the default view (0,0,-1) onto the view vector for the
// given yaw, so classifications must be invariant under rotating pose and
// object together.
func rotateView(v [3]float64, yaw float64) [3]float64 {
	sin, cos := math.Sin(yaw), math.Cos(yaw)
	return [3]float64{v[0]*cos - v[2]*sin, v[1], v[0]*sin + v[2]*cos}
}

func TestClassificationIsRotationInvariant(t *testing.T) {
	targets := [][3]float64{
		{0, 0, -3},
		{2, 1, -2},
		{5, 0, -1},
		{20, 0, -20},
		{0.5, 0, 0.5},
		{3, 0, 0},
	}
	yaws := []float64{0.4, math.Pi / 2, math.Pi, -2.1}

	base := NewTracker()
	base.Update("c", protocol.Pose{})

	for _, yaw := range yaws {
		turned := NewTracker()
		turned.Update("c", protocol.Pose{Quaternion: quatYaw(yaw)})

		for _, target := range targets {
			want, _ := base.Select("c", target)
			got, _ := turned.Select("c", rotateView(target, yaw))
			if got.Skip != want.Skip || got.Tier != want.Tier {
				t.Fatalf("yaw %.2f target %v: got %+v want %+v", yaw, target, got, want)
			}
			if math.Abs(got.Angle-want.Angle) > 1e-4 {
				t.Fatalf("yaw %.2f target %v: angle drifted %.6f vs %.6f", yaw, target, got.Angle, want.Angle)
			}
		}
	}
}

func TestForgetDropsPose(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{})
	tr.Forget("c1")

	if _, ok := tr.Select("c1", [3]float64{0, 0, -1}); ok {
		t.Fatal("expected no opinion after Forget")
	}
}

func TestLatestPoseWins(t *testing.T) {
	tr := NewTracker()
	tr.Update("c1", protocol.Pose{})
	tr.Update("c1", protocol.Pose{Quaternion: quatYaw(math.Pi)})

	sel, _ := tr.Select("c1", [3]float64{0, 0, -2})
	if !sel.Skip {
		t.Fatalf("after turning around the object must be behind: %+v", sel)
	}
}
