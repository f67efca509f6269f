package broker

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/proto"
	"github.com/tarora2/svr/internal/svrerr"
)

// fakeSink captures delivered messages in place of a client session.
type fakeSink struct {
	id    string
	limit int // 0 = unlimited

	mu        sync.Mutex
	msgs      []*proto.Message
	closed    bool
	closeCode svrerr.Code
}

func newFakeSink(id string) *fakeSink { return &fakeSink{id: id} }

func (f *fakeSink) ID() string { return f.id }

func (f *fakeSink) EnqueueData(m *proto.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && len(f.msgs) >= f.limit {
		return false
	}
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeSink) EnqueueDataWait(m *proto.Message, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && len(f.msgs) >= f.limit {
		return svrerr.Wrap(svrerr.ErrTimeout, "outbox full")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSink) EvictOldestData(streamID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.msgs {
		if m.Verb() == "Data" && m.Component(1) == streamID {
			f.msgs = append(f.msgs[:i], f.msgs[i+1:]...)
			for _, rest := range f.msgs[i:] {
				if rest.Verb() == "Data" && rest.Component(1) == streamID {
					rest.Flags |= proto.FlagResync
					return true
				}
			}
			return false
		}
	}
	return false
}

func (f *fakeSink) CloseAsync(code svrerr.Code, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeSink) concat() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, m := range f.msgs {
		out = append(out, m.Payload...)
	}
	return out
}

func (f *fakeSink) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frames [][]byte
	var cur []byte
	for _, m := range f.msgs {
		cur = append(cur, m.Payload...)
		if m.IsBoundary() {
			frames = append(frames, cur)
			cur = nil
		}
	}
	return frames
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func gradientFrame(props *frame.Properties, phase int) *frame.Frame {
	f := frame.New(props)
	for i := range f.Data {
		f.Data[i] = byte(i + phase)
	}
	return f
}

// referenceEncode produces the byte stream a source encoder emits for the
// given frames.
func referenceEncode(t *testing.T, descriptor string, props *frame.Properties, frames []*frame.Frame) []byte {
	t.Helper()
	enc, opts, err := codec.ByDescriptor(descriptor)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	e, err := enc.NewEncoder(props, opts)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	var out []byte
	buf := make([]byte, 4096)
	for _, f := range frames {
		if err := e.Encode(f); err != nil {
			t.Fatalf("encode: %v", err)
		}
		for e.DataReady() > 0 {
			n := e.ReadData(buf)
			out = append(out, buf[:n]...)
		}
	}
	return out
}

func openTestSource(t *testing.T, b *Broker, name, descriptor string) *Source {
	t.Helper()
	if err := b.OpenSource("owner", SourceClient, name, ""); err != nil {
		t.Fatalf("open source: %v", err)
	}
	src, err := b.GetSource(name)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if err := src.SetEncoding(descriptor); err != nil {
		t.Fatalf("set encoding: %v", err)
	}
	return src
}

func TestDirectCopyDeliversIdenticalBytes(t *testing.T) {
	b := New(DefaultConfig())
	props := &frame.Properties{Width: 64, Height: 48, Depth: frame.DepthU8, Channels: 3}
	src := openTestSource(t, b, "cam", "jpeg:q=80")

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "jpeg:q=80"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	var frames []*frame.Frame
	for i := 0; i < 20; i++ {
		frames = append(frames, gradientFrame(props, i))
	}
	for _, f := range frames {
		if err := src.SendFrame(f); err != nil {
			t.Fatalf("send frame: %v", err)
		}
	}

	want := referenceEncode(t, "jpeg:q=80", props, frames)
	if got := sink.concat(); !bytes.Equal(got, want) {
		t.Fatalf("direct copy altered bytes: %d vs %d", len(got), len(want))
	}
	if got := len(sink.frames()); got != 20 {
		t.Fatalf("expected 20 boundary-delimited frames, got %d", got)
	}

	st, err := b.GetStream("st1", "sub1")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	st.Lock()
	variant := st.reenc.Variant()
	st.Unlock()
	if variant != "direct" {
		t.Fatalf("expected direct copy, got %s", variant)
	}
}

func TestTranscodeToRaw(t *testing.T) {
	b := New(DefaultConfig())
	props := &frame.Properties{Width: 32, Height: 24, Depth: frame.DepthU8, Channels: 3}
	src := openTestSource(t, b, "cam", "jpeg:q=90")

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if err := src.SendFrame(gradientFrame(props, i)); err != nil {
			t.Fatalf("send frame: %v", err)
		}
	}

	frames := sink.frames()
	if len(frames) != n {
		t.Fatalf("expected %d raw frames, got %d", n, len(frames))
	}
	for i, fr := range frames {
		if len(fr) != props.FrameSize() {
			t.Fatalf("frame %d: expected %d bytes, got %d", i, props.FrameSize(), len(fr))
		}
	}

	st, _ := b.GetStream("st1", "sub1")
	st.Lock()
	variant := st.reenc.Variant()
	st.Unlock()
	if variant != "transcode" {
		t.Fatalf("expected transcode, got %s", variant)
	}
}

func TestEncodingChangeRebuildsReencoderOnce(t *testing.T) {
	b := New(DefaultConfig())
	props := &frame.Properties{Width: 16, Height: 16, Depth: frame.DepthU8, Channels: 3}
	src := openTestSource(t, b, "cam", "jpeg")

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	st, _ := b.GetStream("st1", "sub1")

	for i := 0; i < 5; i++ {
		if err := src.SendFrame(gradientFrame(props, i)); err != nil {
			t.Fatalf("send frame: %v", err)
		}
	}
	st.Lock()
	before := st.reenc
	st.Unlock()
	if before == nil {
		t.Fatalf("expected reencoder built")
	}

	if err := src.SetEncoding("raw"); err != nil {
		t.Fatalf("set encoding: %v", err)
	}
	st.Lock()
	unchanged := st.reenc == before
	st.Unlock()
	if !unchanged {
		t.Fatalf("rebuild must be lazy")
	}

	for i := 5; i < 10; i++ {
		if err := src.SendFrame(gradientFrame(props, i)); err != nil {
			t.Fatalf("send frame: %v", err)
		}
	}
	st.Lock()
	after := st.reenc
	st.Unlock()
	if after == before {
		t.Fatalf("expected reencoder rebuilt after encoding change")
	}
	if after.Variant() != "direct" {
		t.Fatalf("raw to raw should be a direct copy, got %s", after.Variant())
	}

	// All ten frames arrive intact.
	if got := len(sink.frames()); got != 10 {
		t.Fatalf("expected 10 frames, got %d", got)
	}
}

func TestShapeMismatchRejected(t *testing.T) {
	b := New(DefaultConfig())
	src := openTestSource(t, b, "cam", "raw")

	pinned := &frame.Properties{Width: 64, Height: 48, Depth: frame.DepthU8, Channels: 3}
	if err := src.SetFrameProperties(pinned); err != nil {
		t.Fatalf("set properties: %v", err)
	}

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	bad := &frame.Properties{Width: 32, Height: 24, Depth: frame.DepthU8, Channels: 3}
	err := src.SendFrame(frame.New(bad))
	if !errors.Is(err, svrerr.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("no bytes may be forwarded for a rejected frame")
	}
}

func TestBlockPolicyTimeoutClosesSubscriberOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DropPolicy = DropBlock
	cfg.BlockTimeout = 10 * time.Millisecond
	b := New(cfg)

	props := &frame.Properties{Width: 8, Height: 8, Depth: frame.DepthU8, Channels: 3}
	src := openTestSource(t, b, "cam", "raw")

	stuck := newFakeSink("stuck")
	stuck.limit = 1
	healthy := newFakeSink("healthy")
	if err := b.OpenStream(stuck, "a-stuck", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := b.OpenStream(healthy, "b-healthy", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := src.SendFrame(gradientFrame(props, i)); err != nil {
			t.Fatalf("send frame %d must not fail: %v", i, err)
		}
	}

	stuckStream, err := b.GetStream("a-stuck", "stuck")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	if got := stuckStream.State(); got != StreamClosed {
		t.Fatalf("expected stuck stream closed, got %s", got)
	}
	stuck.mu.Lock()
	closed, code := stuck.closed, stuck.closeCode
	stuck.mu.Unlock()
	if !closed || code != svrerr.PeerDisconnected {
		t.Fatalf("expected subscriber closed with PeerDisconnected, got %v/%v", closed, code)
	}

	if got := len(healthy.frames()); got != 3 {
		t.Fatalf("healthy stream should receive all frames, got %d", got)
	}
}

func TestDropNewestKeepsFrameAlignment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PayloadSize = 16 // split each raw frame into several chunks
	b := New(cfg)

	props := &frame.Properties{Width: 4, Height: 4, Depth: frame.DepthU8, Channels: 3} // 48 bytes/frame
	src := openTestSource(t, b, "cam", "raw")

	sink := newFakeSink("sub1")
	sink.limit = 2 // room for two chunks, then full
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if err := src.SendFrame(gradientFrame(props, 0)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	// First two chunks delivered, third dropped; the stream discards until
	// the boundary and flags the next chunk for resync.
	if sink.count() != 2 {
		t.Fatalf("expected 2 chunks delivered, got %d", sink.count())
	}

	sink.mu.Lock()
	sink.limit = 0
	sink.mu.Unlock()
	if err := src.SendFrame(gradientFrame(props, 1)); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	sink.mu.Lock()
	resyncSeen := false
	for _, m := range sink.msgs[2:] {
		if m.Flags&proto.FlagResync != 0 {
			resyncSeen = true
		}
	}
	total := len(sink.msgs)
	last := sink.msgs[total-1]
	boundary := last.IsBoundary()
	sink.mu.Unlock()

	if !resyncSeen {
		t.Fatalf("expected resync flag after mid-frame drop")
	}
	if total != 5 { // 2 partial chunks + 3 chunks of the second frame
		t.Fatalf("expected 5 chunks, got %d", total)
	}
	if !boundary {
		t.Fatalf("second frame must end with a boundary")
	}
}

func TestSourceCloseOrphansStreams(t *testing.T) {
	b := New(DefaultConfig())
	src := openTestSource(t, b, "cam", "raw")
	_ = src

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if err := b.CloseSource("cam", "owner"); err != nil {
		t.Fatalf("close source: %v", err)
	}

	st, err := b.GetStream("st1", "sub1")
	if err != nil {
		t.Fatalf("orphaned stream must stay reachable: %v", err)
	}
	if got := st.State(); got != StreamOrphaned {
		t.Fatalf("expected orphaned, got %s", got)
	}

	// The subscriber still owns the close.
	if err := b.CloseStream("st1", "sub1"); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if _, err := b.GetStream("st1", "sub1"); !errors.Is(err, svrerr.ErrNoSuchStream) {
		t.Fatalf("expected NoSuchStream after close, got %v", err)
	}
}

func TestSourcesListPrefixes(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.OpenSource("s1", SourceClient, "a", ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.OpenSource("s1", SourceClient, "c", ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	b.RegisterCapture("null", nullCapture)
	if err := b.OpenSource("", SourceServer, "b", "null"); err != nil {
		t.Fatalf("open server: %v", err)
	}

	got := b.SourcesList()
	want := map[string]bool{"c:a": true, "s:b": true, "c:c": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d sources, got %v", len(want), got)
	}
	for _, name := range got {
		if !want[name] {
			t.Fatalf("unexpected source %q in %v", name, got)
		}
	}
}

func TestNameInUse(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.OpenSource("s1", SourceClient, "cam", ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.OpenSource("s2", SourceClient, "cam", ""); !errors.Is(err, svrerr.ErrNameInUse) {
		t.Fatalf("expected NameInUse, got %v", err)
	}
}

func TestUnauthorizedClose(t *testing.T) {
	b := New(DefaultConfig())
	if err := b.OpenSource("s1", SourceClient, "cam", ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.CloseSource("cam", "s2"); !errors.Is(err, svrerr.ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestCleanupSessionEmptiesRegistry(t *testing.T) {
	b := New(DefaultConfig())
	src := openTestSource(t, b, "cam", "raw")
	_ = src

	sink := newFakeSink("owner")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}

	b.CleanupSession("owner")
	sources, streams := b.Counts()
	if sources != 0 || streams != 0 {
		t.Fatalf("expected empty registries, got %d sources %d streams", sources, streams)
	}
}

func TestPauseResumeDropsWithoutBuffering(t *testing.T) {
	b := New(DefaultConfig())
	props := &frame.Properties{Width: 8, Height: 8, Depth: frame.DepthU8, Channels: 3}
	src := openTestSource(t, b, "cam", "raw")

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	st, _ := b.GetStream("st1", "sub1")

	if err := src.SendFrame(gradientFrame(props, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := st.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	delivered := sink.count()

	for i := 1; i < 4; i++ {
		if err := src.SendFrame(gradientFrame(props, i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if sink.count() != delivered {
		t.Fatalf("paused stream must not deliver")
	}

	if err := st.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := src.SendFrame(gradientFrame(props, 4)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sink.count() <= delivered {
		t.Fatalf("resumed stream must deliver again")
	}
}

func TestAttachSwitchesSource(t *testing.T) {
	b := New(DefaultConfig())
	props := &frame.Properties{Width: 8, Height: 8, Depth: frame.DepthU8, Channels: 3}
	first := openTestSource(t, b, "cam1", "raw")
	second := openTestSource(t, b, "cam2", "raw")

	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam1", "raw"); err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := first.SendFrame(gradientFrame(props, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	before := sink.count()

	if err := b.AttachStream("st1", "sub1", "cam2"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := first.SendFrame(gradientFrame(props, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sink.count() != before {
		t.Fatalf("detached source must not deliver")
	}
	if err := second.SendFrame(gradientFrame(props, 2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sink.count() <= before {
		t.Fatalf("attached source must deliver")
	}
}

func TestDrainRefusesOpens(t *testing.T) {
	b := New(DefaultConfig())
	openTestSource(t, b, "cam", "raw")
	b.Drain()
	if err := b.OpenSource("s1", SourceClient, "cam2", ""); !errors.Is(err, svrerr.ErrInvalidState) {
		t.Fatalf("expected InvalidState while draining, got %v", err)
	}
	sink := newFakeSink("sub1")
	if err := b.OpenStream(sink, "st1", "cam", "raw"); !errors.Is(err, svrerr.ErrInvalidState) {
		t.Fatalf("expected InvalidState while draining, got %v", err)
	}
}

func nullCapture(src *Source, opts options.Options) (io.Closer, error) {
	return nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
