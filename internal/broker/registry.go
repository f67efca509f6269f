// Package broker is the core of the video router: the source and stream
// registries, per-subscriber delivery with re-encoding, the verb router and
// the per-peer protocol sessions.
package broker

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarora2/svr/internal/codec"
	"github.com/tarora2/svr/internal/frame"
	"github.com/tarora2/svr/internal/logx"
	"github.com/tarora2/svr/internal/metrics"
	"github.com/tarora2/svr/internal/options"
	"github.com/tarora2/svr/internal/svrerr"
)

// Config tunes broker-wide behaviour.
type Config struct {
	// PayloadSize is the chunk size sources drain their encoders with.
	PayloadSize int
	// DropPolicy is the default policy for new streams.
	DropPolicy DropPolicy
	// BlockTimeout bounds enqueue waits under the block policy.
	BlockTimeout time.Duration
}

// DefaultConfig mirrors the historical defaults: 4 KiB payload chunks,
// drop_newest, 5 s block timeout.
func DefaultConfig() Config {
	return Config{
		PayloadSize:  4 * 1024,
		DropPolicy:   DropNewest,
		BlockTimeout: 5 * time.Second,
	}
}

// Broker owns the source and stream registries. Lock order throughout the
// package: Broker.mu -> Source -> Stream (ascending id) -> session outbox.
type Broker struct {
	mu      sync.Mutex
	sources map[string]*Source
	streams map[string]*Stream

	captures map[string]captureFactory

	cfg      Config
	draining atomic.Bool
}

// New constructs an empty broker.
func New(cfg Config) *Broker {
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = DefaultConfig().PayloadSize
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropNewest
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultConfig().BlockTimeout
	}
	return &Broker{
		sources:  make(map[string]*Source),
		streams:  make(map[string]*Stream),
		captures: make(map[string]captureFactory),
		cfg:      cfg,
	}
}

// RegisterCapture installs a server-source kind: descriptors whose name
// matches spawn the capture engine behind a server source.
func (b *Broker) RegisterCapture(name string, f func(src *Source, opts options.Options) (io.Closer, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captures[name] = f
}

// Drain refuses new source and stream opens while letting existing
// deliveries finish.
func (b *Broker) Drain() { b.draining.Store(true) }

// IsDraining reports whether the broker is draining.
func (b *Broker) IsDraining() bool { return b.draining.Load() }

// OpenSource registers a new source. A client source is owned by its
// session; a server source belongs to the process and its descriptor
// selects a registered capture kind.
func (b *Broker) OpenSource(owner string, kind SourceKind, name, descriptor string) error {
	if b.IsDraining() {
		return svrerr.Wrap(svrerr.ErrInvalidState, "draining")
	}
	if name == "" {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "empty source name")
	}

	var (
		factory captureFactory
		opts    options.Options
	)
	if kind == SourceServer {
		var err error
		opts, err = options.Parse(descriptor)
		if err != nil {
			return svrerr.Wrap(svrerr.ErrParse, "source descriptor %q", descriptor)
		}
		b.mu.Lock()
		factory = b.captures[opts.Name()]
		b.mu.Unlock()
		if factory == nil {
			return svrerr.Wrap(svrerr.ErrNoSuchEncoding, "server source kind %q", opts.Name())
		}
	}

	src := newSource(name, kind, owner, b.cfg.PayloadSize)

	b.mu.Lock()
	if _, exists := b.sources[name]; exists {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNameInUse, "source %q", name)
	}
	b.sources[name] = src
	b.mu.Unlock()

	if factory != nil {
		capture, err := factory(src, opts)
		if err != nil {
			b.mu.Lock()
			delete(b.sources, name)
			b.mu.Unlock()
			return err
		}
		src.Lock()
		src.capture = capture
		src.Unlock()
	}

	metrics.SourceOpened(string(kind), 1)
	logx.Log.Info().Str("source", name).Str("kind", string(kind)).Msg("source opened")
	return nil
}

// CloseSource closes a source, orphaning its streams. A client source may
// only be closed by its owner; server sources are shared.
func (b *Broker) CloseSource(name, by string) error {
	b.mu.Lock()
	src, ok := b.sources[name]
	if !ok {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNoSuchSource, "source %q", name)
	}
	if src.kind == SourceClient && src.owner != by {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrUnauthorized, "source %q", name)
	}
	delete(b.sources, name)
	b.mu.Unlock()

	src.close()
	metrics.SourceOpened(string(src.kind), -1)
	return nil
}

// GetSource resolves a source by name. Streams hold only the name and
// re-resolve here; the broker never hands out owning references.
func (b *Broker) GetSource(name string) (*Source, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.sources[name]
	if !ok {
		return nil, svrerr.Wrap(svrerr.ErrNoSuchSource, "source %q", name)
	}
	return src, nil
}

// SourcesList returns all source names with their kind prefix.
func (b *Broker) SourcesList() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.sources))
	for name, src := range b.sources {
		names = append(names, src.kind.Prefix()+name)
	}
	sort.Strings(names)
	return names
}

// OpenStream creates a stream for a subscriber and attaches it to a source.
func (b *Broker) OpenStream(subscriber sink, id, sourceName, descriptor string) error {
	if b.IsDraining() {
		return svrerr.Wrap(svrerr.ErrInvalidState, "draining")
	}
	if id == "" {
		return svrerr.Wrap(svrerr.ErrInvalidArgument, "empty stream id")
	}
	enc, opts, err := codec.ByDescriptor(descriptor)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if _, exists := b.streams[id]; exists {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNameInUse, "stream %q", id)
	}
	src, ok := b.sources[sourceName]
	if !ok {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNoSuchSource, "source %q", sourceName)
	}
	st := newStream(id, subscriber, sourceName, enc, opts, b.cfg.DropPolicy, b.cfg.BlockTimeout)
	b.streams[id] = st
	b.mu.Unlock()

	if err := src.attachStream(st); err != nil {
		b.mu.Lock()
		delete(b.streams, id)
		b.mu.Unlock()
		return err
	}

	metrics.StreamOpened(1)
	logx.Log.Info().Str("stream_id", id).Str("source", sourceName).Msg("stream opened")
	return nil
}

// GetStream resolves a stream by id, checking the caller owns it.
func (b *Broker) GetStream(id, by string) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[id]
	if !ok {
		return nil, svrerr.Wrap(svrerr.ErrNoSuchStream, "stream %q", id)
	}
	if st.subscriber.ID() != by {
		return nil, svrerr.Wrap(svrerr.ErrUnauthorized, "stream %q", id)
	}
	return st, nil
}

// CloseStream detaches a stream from its source and removes it.
func (b *Broker) CloseStream(id, by string) error {
	b.mu.Lock()
	st, ok := b.streams[id]
	if !ok {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNoSuchStream, "stream %q", id)
	}
	if by != "" && st.subscriber.ID() != by {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrUnauthorized, "stream %q", id)
	}
	delete(b.streams, id)
	src := b.sources[st.sourceName]
	b.mu.Unlock()

	if src != nil {
		src.detachStream(id)
	}
	st.Lock()
	st.closeLocked()
	st.Unlock()

	metrics.StreamOpened(-1)
	logx.Log.Info().Str("stream_id", id).Msg("stream closed")
	return nil
}

// AttachStream rebinds a stream to a source. The previous attachment, if
// any, is dropped first.
func (b *Broker) AttachStream(id, by, sourceName string) error {
	b.mu.Lock()
	st, ok := b.streams[id]
	if !ok {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNoSuchStream, "stream %q", id)
	}
	if st.subscriber.ID() != by {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrUnauthorized, "stream %q", id)
	}
	src, ok := b.sources[sourceName]
	if !ok {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNoSuchSource, "source %q", sourceName)
	}
	prev := b.sources[st.sourceName]
	b.mu.Unlock()

	if prev != nil && prev != src {
		prev.detachStream(id)
	}
	if err := src.attachStream(st); err != nil {
		return err
	}

	st.Lock()
	st.sourceName = sourceName
	st.reenc = nil
	if st.state == StreamOrphaned {
		st.state = StreamFlowing
	}
	st.dropping = true // resume delivery at the next frame boundary
	st.Unlock()
	return nil
}

// DetachStream unbinds a stream from its source; the stream goes orphaned
// until re-attached or closed.
func (b *Broker) DetachStream(id, by string) error {
	b.mu.Lock()
	st, ok := b.streams[id]
	if !ok {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrNoSuchStream, "stream %q", id)
	}
	if st.subscriber.ID() != by {
		b.mu.Unlock()
		return svrerr.Wrap(svrerr.ErrUnauthorized, "stream %q", id)
	}
	src := b.sources[st.sourceName]
	b.mu.Unlock()

	if src != nil {
		src.detachStream(id)
	}
	st.Lock()
	st.orphanLocked()
	st.Unlock()
	return nil
}

// SetSourceProperties installs the pinned shape on a source from its wire
// form.
func (b *Broker) SetSourceProperties(name, by, propsText string) error {
	b.mu.Lock()
	src, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return svrerr.Wrap(svrerr.ErrNoSuchSource, "source %q", name)
	}
	if src.kind == SourceClient && src.owner != by {
		return svrerr.Wrap(svrerr.ErrUnauthorized, "source %q", name)
	}
	props, err := frame.ParseProperties(propsText)
	if err != nil {
		return err
	}
	return src.SetFrameProperties(props)
}

// SetSourceEncoding replaces a source's encoding from a descriptor.
func (b *Broker) SetSourceEncoding(name, by, descriptor string) error {
	b.mu.Lock()
	src, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return svrerr.Wrap(svrerr.ErrNoSuchSource, "source %q", name)
	}
	if src.kind == SourceClient && src.owner != by {
		return svrerr.Wrap(svrerr.ErrUnauthorized, "source %q", name)
	}
	return src.SetEncoding(descriptor)
}

// CleanupSession destroys everything a disconnected session owned: its
// streams first, then its sources (which orphan any foreign streams still
// attached).
func (b *Broker) CleanupSession(sessionID string) {
	b.mu.Lock()
	var streamIDs []string
	for id, st := range b.streams {
		if st.subscriber.ID() == sessionID {
			streamIDs = append(streamIDs, id)
		}
	}
	var sourceNames []string
	for name, src := range b.sources {
		if src.kind == SourceClient && src.owner == sessionID {
			sourceNames = append(sourceNames, name)
		}
	}
	b.mu.Unlock()

	sort.Strings(streamIDs)
	for _, id := range streamIDs {
		if err := b.CloseStream(id, sessionID); err != nil {
			logx.Log.Debug().Err(err).Str("stream_id", id).Msg("session cleanup")
		}
	}
	sort.Strings(sourceNames)
	for _, name := range sourceNames {
		if err := b.CloseSource(name, sessionID); err != nil {
			logx.Log.Debug().Err(err).Str("source", name).Msg("session cleanup")
		}
	}
}

// Snapshot returns the inspection view of every source and stream.
func (b *Broker) Snapshot() ([]SourceInfo, []StreamInfo) {
	b.mu.Lock()
	sources := make([]*Source, 0, len(b.sources))
	for _, src := range b.sources {
		sources = append(sources, src)
	}
	streams := make([]*Stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.Unlock()

	srcInfos := make([]SourceInfo, 0, len(sources))
	for _, src := range sources {
		srcInfos = append(srcInfos, src.info())
	}
	sort.Slice(srcInfos, func(i, j int) bool { return srcInfos[i].Name < srcInfos[j].Name })

	stInfos := make([]StreamInfo, 0, len(streams))
	for _, st := range streams {
		stInfos = append(stInfos, st.info())
	}
	sort.Slice(stInfos, func(i, j int) bool { return stInfos[i].ID < stInfos[j].ID })
	return srcInfos, stInfos
}

// captureFactory builds the engine behind a server source kind.
type captureFactory func(src *Source, opts options.Options) (io.Closer, error)

// Counts returns the number of open sources and streams.
func (b *Broker) Counts() (sources, streams int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sources), len(b.streams)
}
