package frame

import "testing"

func TestPropertiesFormatParse(t *testing.T) {
	p := &Properties{Width: 640, Height: 480, Depth: DepthU8, Channels: 3}
	got, err := ParseProperties(p.Format())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(p) {
		t.Fatalf("round trip mismatch: %+v != %+v", got, p)
	}
}

func TestParsePropertiesErrors(t *testing.T) {
	for _, s := range []string{"", "640", "640,480,0", "a,480,0,3", "640,480,0,0", "-1,480,0,3"} {
		if _, err := ParseProperties(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}

func TestFrameSize(t *testing.T) {
	cases := []struct {
		p    Properties
		size int
	}{
		{Properties{Width: 640, Height: 480, Depth: DepthU8, Channels: 3}, 640 * 480 * 3},
		{Properties{Width: 320, Height: 240, Depth: DepthU16, Channels: 1}, 320 * 240 * 2},
		{Properties{Width: 16, Height: 16, Depth: DepthF32, Channels: 4}, 16 * 16 * 4 * 4},
	}
	for _, tc := range cases {
		if got := tc.p.FrameSize(); got != tc.size {
			t.Fatalf("%+v: expected %d, got %d", tc.p, tc.size, got)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := &Properties{Width: 10, Height: 10, Depth: DepthU8, Channels: 1}
	c := p.Clone()
	c.Width = 99
	if p.Width != 10 {
		t.Fatalf("clone mutated original")
	}
}

func TestMatches(t *testing.T) {
	p := &Properties{Width: 4, Height: 4, Depth: DepthU8, Channels: 1}
	f := New(p)
	if !f.Matches(p) {
		t.Fatalf("expected match")
	}
	other := &Properties{Width: 8, Height: 4, Depth: DepthU8, Channels: 1}
	if f.Matches(other) {
		t.Fatalf("expected mismatch")
	}
}
