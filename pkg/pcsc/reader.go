package pcsc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregLibert/nfc-pcsc/internal/syncutil"
	"github.com/gregLibert/nfc-pcsc/pkg/bits"
	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
	"github.com/gregLibert/nfc-pcsc/pkg/tlv"
	"github.com/juju/loggo"
	"github.com/rcrowley/go-metrics"
)

var logger = loggo.GetLogger("pcsc.reader")

// SessionState is the card side of a reader session.
type SessionState int

const (
	// StateIdle: no card in the field.
	StateIdle SessionState = iota
	// StateDetected: a card is present but not connected.
	StateDetected
	// StateConnected: a card connection is open.
	StateConnected
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetected:
		return "detected"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Mode selects what Connect opens.
type Mode int

const (
	// ModeCard opens a shared connection to the card in the field.
	ModeCard Mode = iota
	// ModeDirect opens a connection to the reader itself, used for escape
	// commands.
	ModeDirect
)

func (m Mode) String() string {
	switch m {
	case ModeCard:
		return "CONNECT_MODE_CARD"
	case ModeDirect:
		return "CONNECT_MODE_DIRECT"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// cardState holds exactly the data valid in each SessionState. A card
// connection only exists inside connectedState.
type cardState interface {
	session() SessionState
}

type idleState struct{}

type detectedState struct {
	card Card
}

type connectedState struct {
	card Card
	conn Conn
	id   uint64
}

func (idleState) session() SessionState      { return StateIdle }
func (detectedState) session() SessionState  { return StateDetected }
func (connectedState) session() SessionState { return StateConnected }

type handlers struct {
	cardConnected []func(Card)
	card          []func(Card)
	cardRemoved   []func(Card)
	err           []func(error)
	readerErr     []func(error)
	end           []func()
}

// Reader is the session of one PC/SC reader.
//
// A single goroutine consumes the reader's status stream: card insertion
// connects to the card and, depending on its profile, reads its UID or
// selects the configured application before OnCard handlers run. Removal
// fires OnCardRemoved and closes the card connection. Handlers run on that
// goroutine, so the next status event waits until they return.
//
// Caller operations may run concurrently; round trips to the reader are
// serialized.
type Reader struct {
	transport   Transport
	name        string
	status      <-chan Status
	log         loggo.Logger
	metrics     *sessionMetrics
	controlCode uint32
	keys        *keyCache

	// io serializes round trips to the reader.
	io syncutil.Mutex

	mu       syncutil.Mutex
	state    cardState
	direct   Conn
	seq      uint64
	aid      AIDFunc
	closed   bool
	handlers handlers

	// onClose runs once the reader is closed or removed.
	onClose func()

	silenced  atomic.Bool
	ctx       context.Context
	cancel    context.CancelCauseFunc
	startOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewReader creates the session for t. Register handlers, then call Start.
func NewReader(t Transport, opts ...Option) (*Reader, error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Reader{
		transport:   t,
		name:        t.Name(),
		status:      t.Status(),
		log:         logger,
		controlCode: EscapeControlCode(),
		keys:        newKeyCache(),
		state:       idleState{},
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			cancel(nil)
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if r.metrics == nil {
		r.metrics = newSessionMetrics(metrics.NewRegistry())
	}
	return r, nil
}

// Name returns the PC/SC reader name.
func (r *Reader) Name() string {
	return r.name
}

func (r *Reader) String() string {
	return r.name
}

// State returns the current card state.
func (r *Reader) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.session()
}

// Card returns a copy of the current card snapshot.
func (r *Reader) Card() (Card, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s := r.state.(type) {
	case detectedState:
		return s.card.clone(), true
	case connectedState:
		return s.card.clone(), true
	}
	return Card{}, false
}

// Closed reports whether Close was called or the reader was removed.
func (r *Reader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SetAID sets the application selected on ISO 14443-4 cards. An empty aid
// disables selection.
func (r *Reader) SetAID(aid []byte) {
	var fn AIDFunc
	if len(aid) > 0 {
		fn = staticAID(aid)
	}
	r.SetAIDFunc(fn)
}

// SetAIDHex is SetAID for a hex string such as "F2 22 22 22 22".
func (r *Reader) SetAIDHex(s string) error {
	aid, err := tlv.ParseHex(s)
	if err != nil {
		return fmt.Errorf("AID must be a hex string: %w", err)
	}
	r.SetAID(aid)
	return nil
}

// SetAIDFunc sets a function choosing the AID from the detected card.
func (r *Reader) SetAIDFunc(fn AIDFunc) {
	r.mu.Lock()
	r.aid = fn
	r.mu.Unlock()
}

// OnCardConnected registers fn for cards that were just connected, before
// UID retrieval or application selection.
func (r *Reader) OnCardConnected(fn func(Card)) {
	r.mu.Lock()
	r.handlers.cardConnected = append(r.handlers.cardConnected, fn)
	r.mu.Unlock()
}

// OnCard registers fn for cards ready for use, with UID or application
// data filled in.
func (r *Reader) OnCard(fn func(Card)) {
	r.mu.Lock()
	r.handlers.card = append(r.handlers.card, fn)
	r.mu.Unlock()
}

// OnCardRemoved registers fn for cards leaving the field. fn receives the
// last snapshot.
func (r *Reader) OnCardRemoved(fn func(Card)) {
	r.mu.Lock()
	r.handlers.cardRemoved = append(r.handlers.cardRemoved, fn)
	r.mu.Unlock()
}

// OnError registers fn for failures of automatic card processing. Errors
// are *Error values.
func (r *Reader) OnError(fn func(error)) {
	r.mu.Lock()
	r.handlers.err = append(r.handlers.err, fn)
	r.mu.Unlock()
}

// OnReaderError registers fn for errors reported by the reader itself.
func (r *Reader) OnReaderError(fn func(error)) {
	r.mu.Lock()
	r.handlers.readerErr = append(r.handlers.readerErr, fn)
	r.mu.Unlock()
}

// OnEnd registers fn for the removal of the reader.
func (r *Reader) OnEnd(fn func()) {
	r.mu.Lock()
	r.handlers.end = append(r.handlers.end, fn)
	r.mu.Unlock()
}

func (r *Reader) emitCard(pick func(*handlers) []func(Card), card Card) {
	if r.silenced.Load() {
		return
	}
	r.mu.Lock()
	fns := slices.Clone(pick(&r.handlers))
	r.mu.Unlock()

	for _, fn := range fns {
		if r.silenced.Load() {
			return
		}
		fn(card.clone())
	}
}

func (r *Reader) emitError(pick func(*handlers) []func(error), err error) {
	if r.silenced.Load() {
		return
	}
	r.mu.Lock()
	fns := slices.Clone(pick(&r.handlers))
	r.mu.Unlock()

	for _, fn := range fns {
		if r.silenced.Load() {
			return
		}
		fn(err)
	}
}

func (r *Reader) emitEnd() {
	if r.silenced.Load() {
		return
	}
	r.mu.Lock()
	fns := slices.Clone(r.handlers.end)
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func connectedHandlers(h *handlers) []func(Card)    { return h.cardConnected }
func cardHandlers(h *handlers) []func(Card)         { return h.card }
func removedHandlers(h *handlers) []func(Card)      { return h.cardRemoved }
func errorHandlers(h *handlers) []func(error)       { return h.err }
func readerErrorHandlers(h *handlers) []func(error) { return h.readerErr }

// Start begins consuming the status stream. Calling it more than once has
// no effect.
func (r *Reader) Start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

func (r *Reader) run() {
	defer close(r.done)

	var prev StateFlag
	for {
		select {
		case <-r.quit:
			return
		case st, ok := <-r.status:
			if !ok {
				r.end()
				return
			}
			if st.Err != nil {
				r.log.Warningf("%s: reader error: %v", r.name, st.Err)
				r.emitError(readerErrorHandlers, st.Err)
				continue
			}
			r.handleStatus(prev, st)
			prev = st.State
		}
	}
}

// handleStatus acts on the presence bits that changed between prev and st.
func (r *Reader) handleStatus(prev StateFlag, st Status) {
	switch {
	case bits.Rising(prev, st.State, StateEmpty):
		r.cardRemoved()
	case bits.Rising(prev, st.State, StatePresent):
		r.cardInserted(st.ATR)
	}
}

func (r *Reader) cardInserted(atr []byte) {
	card := newCard(atr)
	r.metrics.detected.Inc(1)
	r.log.Debugf("%s: card detected, %s", r.name, card)

	r.mu.Lock()
	old := r.state
	r.state = detectedState{card: card}
	r.mu.Unlock()

	if c, ok := old.(connectedState); ok {
		r.keys.clear()
		if err := r.hangUp(c.conn); err != nil {
			r.log.Debugf("%s: closing stale connection: %v", r.name, err)
		}
	}

	conn, err := r.dial(ShareShared, ProtocolAny)
	if err != nil {
		r.log.Warningf("%s: connect failed: %v", r.name, err)
		r.emitError(errorHandlers, newError(KindConnect, CodeFailure, "an error occurred while connecting", err))
		return
	}

	card, id, ok := r.promote(conn)
	if !ok {
		_ = r.hangUp(conn)
		return
	}
	r.log.Debugf("%s: card connected, protocol %d", r.name, conn.Protocol())
	r.emitCard(connectedHandlers, card)

	switch card.Standard {
	case ISO14443_3:
		r.processMemoryCard(id, conn)
	default:
		r.processApplicationCard(id, conn, card)
	}
}

// promote moves a detected card to connectedState with conn.
func (r *Reader) promote(conn Conn) (Card, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.(detectedState)
	if !ok || r.closed {
		return Card{}, 0, false
	}
	r.seq++
	r.state = connectedState{card: s.card, conn: conn, id: r.seq}
	return s.card.clone(), r.seq, true
}

// updateCard applies fn to the snapshot if connection id is still current.
func (r *Reader) updateCard(id uint64, fn func(*Card)) (Card, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.(connectedState)
	if !ok || s.id != id {
		return Card{}, false
	}
	fn(&s.card)
	r.state = s
	return s.card.clone(), true
}

func (r *Reader) processMemoryCard(id uint64, conn Conn) {
	uid, err := r.readUID(r.ctx, conn)
	if err != nil {
		r.log.Warningf("%s: %v", r.name, err)
		r.emitError(errorHandlers, err)
		return
	}
	if card, ok := r.updateCard(id, func(c *Card) { c.UID = uid }); ok {
		r.log.Infof("%s: card ready, uid %s", r.name, uid)
		r.emitCard(cardHandlers, card)
	}
}

func (r *Reader) readUID(ctx context.Context, conn Conn) (string, error) {
	raw, err := r.exchange(ctx, conn, iso7816.GetUID(), iso7816.UIDResponseLength)
	if err != nil {
		return "", newError(KindGetUID, CodeOperationFailed, "", err)
	}
	data, err := checkResponse(KindGetUID, "get uid", raw)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

func (r *Reader) processApplicationCard(id uint64, conn Conn, card Card) {
	r.mu.Lock()
	aidFn := r.aid
	r.mu.Unlock()

	var aid []byte
	if aidFn != nil {
		aid = aidFn(card.clone())
	}
	if len(aid) == 0 {
		r.log.Debugf("%s: no AID configured, skipping selection", r.name)
		r.emitCard(cardHandlers, card)
		return
	}

	data, err := r.selectApplication(r.ctx, conn, aid)
	if err != nil {
		r.log.Warningf("%s: %v", r.name, err)
		r.emitError(errorHandlers, err)
		return
	}
	if card, ok := r.updateCard(id, func(c *Card) { c.Data = data }); ok {
		r.log.Infof("%s: card ready, application %X selected", r.name, aid)
		r.emitCard(cardHandlers, card)
	}
}

func (r *Reader) selectApplication(ctx context.Context, conn Conn, aid []byte) ([]byte, error) {
	cmd, err := iso7816.SelectAID(aid)
	if err != nil {
		return nil, newError(KindSelect, CodeFailure, "invalid AID", err)
	}
	raw, err := r.exchange(ctx, conn, cmd, cmd.ResponseLength())
	if err != nil {
		return nil, newError(KindSelect, CodeFailure, "an error occurred while selecting the application", err)
	}
	return checkResponse(KindSelect, "select", raw)
}

func (r *Reader) cardRemoved() {
	r.mu.Lock()
	old := r.state
	r.state = idleState{}
	r.mu.Unlock()

	var (
		card Card
		conn Conn
	)
	switch s := old.(type) {
	case detectedState:
		card = s.card
	case connectedState:
		card, conn = s.card, s.conn
	default:
		return
	}

	r.keys.clear()
	r.log.Debugf("%s: card removed", r.name)
	r.emitCard(removedHandlers, card)

	if conn != nil {
		if err := r.hangUp(conn); err != nil {
			r.log.Warningf("%s: disconnect after removal: %v", r.name, err)
			r.emitError(errorHandlers, newError(KindDisconnect, CodeFailure, "an error occurred while disconnecting", err))
		}
	}
}

func (r *Reader) end() {
	r.log.Infof("%s: reader removed", r.name)
	r.emitEnd()

	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.mu.Unlock()
	if already {
		return
	}

	r.silenced.Store(true)
	r.cancel(ErrClosed)
	if err := r.release(); err != nil {
		r.log.Warningf("%s: releasing removed reader: %v", r.name, err)
	}
	if r.onClose != nil {
		r.onClose()
	}
}

// Close stops the session and releases the reader. No handler runs once
// Close has been called. Close must not be called from a handler.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return newError(KindClose, CodeFailure, "", ErrClosed)
	}
	r.closed = true
	r.mu.Unlock()

	r.silenced.Store(true)
	r.cancel(ErrClosed)
	close(r.quit)
	r.startOnce.Do(func() { close(r.done) })
	<-r.done

	err := r.release()
	if r.onClose != nil {
		r.onClose()
	}
	if err != nil {
		return newError(KindClose, CodeFailure, "an error occurred while closing the reader", err)
	}
	r.log.Debugf("%s: closed", r.name)
	return nil
}

// release closes every open connection and the transport.
func (r *Reader) release() error {
	r.mu.Lock()
	var conns []Conn
	if s, ok := r.state.(connectedState); ok {
		conns = append(conns, s.conn)
	}
	if r.direct != nil {
		conns = append(conns, r.direct)
	}
	r.state = idleState{}
	r.direct = nil
	r.mu.Unlock()

	r.keys.clear()

	var errs []error
	for _, c := range conns {
		if err := r.hangUp(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// usable fails when the reader is closed or ctx is done.
func (r *Reader) usable(ctx context.Context, kind Kind) error {
	if r.Closed() {
		return newError(kind, CodeFailure, "", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return newError(kind, CodeFailure, "", err)
	}
	return nil
}

// errConnGone is returned by round trips on a connection that a removal or
// Disconnect closed.
var errConnGone = errors.New("connection closed")

// live fails when the reader is closed or conn is no longer one of its open
// connections.
func (r *Reader) live(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if s, ok := r.state.(connectedState); ok && s.conn == conn {
		return nil
	}
	if r.direct != nil && r.direct == conn {
		return nil
	}
	return errConnGone
}

// ioError wraps a failed round trip of a kind operation.
func ioError(kind Kind, msg string, err error) *Error {
	if errors.Is(err, errConnGone) {
		return newError(kind, CodeCardNotConnected, "card connection closed", err)
	}
	return newError(kind, CodeFailure, msg, err)
}

// bind returns a context that also ends, with ErrClosed as its cause, when
// the reader closes.
func (r *Reader) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(r.ctx, func() { cancel(ErrClosed) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// cardConn returns the open card connection.
func (r *Reader) cardConn(ctx context.Context, kind Kind) (Conn, error) {
	if err := r.usable(ctx, kind); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.state.(connectedState)
	if !ok {
		return nil, newError(kind, CodeCardNotConnected, "no card or connection available", nil)
	}
	return s.conn, nil
}

func (r *Reader) dial(mode ShareMode, proto Protocol) (Conn, error) {
	r.io.Lock()
	defer r.io.Unlock()
	return r.transport.Connect(mode, proto)
}

func (r *Reader) hangUp(conn Conn) error {
	r.io.Lock()
	defer r.io.Unlock()
	return conn.Disconnect(LeaveCard)
}

// transmit performs one round trip on conn.
func (r *Reader) transmit(ctx context.Context, conn Conn, cmd []byte, maxLen int) ([]byte, error) {
	r.io.Lock()
	defer r.io.Unlock()

	if err := r.live(conn); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	r.log.Tracef("%s: >> % X", r.name, cmd)
	start := time.Now()
	resp, err := conn.Transmit(cmd, maxLen)
	r.metrics.exchange(start, err)
	if err != nil {
		r.log.Debugf("%s: transmit failed: %v", r.name, err)
		return nil, err
	}
	r.log.Tracef("%s: << % X", r.name, resp)

	// Close or removal may have landed while the card answered.
	if err := r.live(conn); err != nil {
		r.log.Debugf("%s: response dropped: %v", r.name, err)
		return nil, err
	}
	return resp, nil
}

func (r *Reader) exchange(ctx context.Context, conn Conn, cmd *iso7816.CommandAPDU, maxLen int) ([]byte, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, err
	}
	r.log.Tracef("%s: %s", r.name, cmd)
	return r.transmit(ctx, conn, raw, maxLen)
}

// Connect opens a card connection (ModeCard) or a direct connection to the
// reader (ModeDirect) and returns the active protocol. Connecting again in
// the same mode returns the open connection's protocol.
//
// Cards are connected automatically on insertion; ModeCard is only needed
// after Disconnect.
func (r *Reader) Connect(ctx context.Context, mode Mode) (Protocol, error) {
	if err := r.usable(ctx, KindConnect); err != nil {
		return ProtocolUndefined, err
	}

	switch mode {
	case ModeDirect:
		return r.connectDirect()
	case ModeCard:
		return r.connectCard()
	default:
		return ProtocolUndefined, newError(KindConnect, CodeInvalidMode, fmt.Sprintf("invalid mode %d", int(mode)), nil)
	}
}

func (r *Reader) connectDirect() (Protocol, error) {
	r.mu.Lock()
	if r.direct != nil {
		p := r.direct.Protocol()
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	conn, err := r.dial(ShareDirect, ProtocolUndefined)
	if err != nil {
		return ProtocolUndefined, newError(KindConnect, CodeFailure, "an error occurred while connecting", err)
	}

	r.mu.Lock()
	if r.direct != nil || r.closed {
		r.mu.Unlock()
		_ = r.hangUp(conn)
		if r.Closed() {
			return ProtocolUndefined, newError(KindConnect, CodeFailure, "", ErrClosed)
		}
		return r.connectDirect()
	}
	r.direct = conn
	r.mu.Unlock()

	r.log.Debugf("%s: direct connection open", r.name)
	return conn.Protocol(), nil
}

func (r *Reader) connectCard() (Protocol, error) {
	r.mu.Lock()
	switch s := r.state.(type) {
	case connectedState:
		r.mu.Unlock()
		return s.conn.Protocol(), nil
	case idleState:
		r.mu.Unlock()
		return ProtocolUndefined, newError(KindConnect, CodeCardNotConnected, "no card present", nil)
	}
	r.mu.Unlock()

	conn, err := r.dial(ShareShared, ProtocolAny)
	if err != nil {
		return ProtocolUndefined, newError(KindConnect, CodeFailure, "an error occurred while connecting", err)
	}
	if _, _, ok := r.promote(conn); !ok {
		_ = r.hangUp(conn)
		if r.Closed() {
			return ProtocolUndefined, newError(KindConnect, CodeFailure, "", ErrClosed)
		}
		return r.connectCard()
	}

	r.log.Debugf("%s: card connected, protocol %d", r.name, conn.Protocol())
	return conn.Protocol(), nil
}

// Disconnect closes the card connection and the direct connection, leaving
// the card powered. The card stays detected and the key cache is cleared.
func (r *Reader) Disconnect(ctx context.Context) error {
	if err := r.usable(ctx, KindDisconnect); err != nil {
		return err
	}

	r.mu.Lock()
	var conns []Conn
	if s, ok := r.state.(connectedState); ok {
		conns = append(conns, s.conn)
		r.state = detectedState{card: s.card}
	}
	if r.direct != nil {
		conns = append(conns, r.direct)
		r.direct = nil
	}
	r.mu.Unlock()

	if len(conns) == 0 {
		return newError(KindDisconnect, CodeNotConnected, "reader is not connected, no need for disconnecting", nil)
	}

	r.keys.clear()

	var errs []error
	for _, c := range conns {
		if err := r.hangUp(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return newError(KindDisconnect, CodeFailure, "an error occurred while disconnecting", err)
	}
	r.log.Debugf("%s: disconnected", r.name)
	return nil
}

// Transmit sends a raw APDU to the card and returns the raw response,
// status word included. maxLen bounds the response length.
func (r *Reader) Transmit(ctx context.Context, cmd []byte, maxLen int) ([]byte, error) {
	conn, err := r.cardConn(ctx, KindTransmit)
	if err != nil {
		return nil, err
	}
	resp, err := r.transmit(ctx, conn, cmd, maxLen)
	if err != nil {
		return nil, ioError(KindTransmit, "an error occurred while transmitting", err)
	}
	return resp, nil
}

// Control sends cmd to the reader with the escape IOCTL. It uses the direct
// connection when one is open, else the card connection.
func (r *Reader) Control(ctx context.Context, cmd []byte, maxLen int) ([]byte, error) {
	if err := r.usable(ctx, KindControl); err != nil {
		return nil, err
	}

	r.mu.Lock()
	conn := r.direct
	if conn == nil {
		if s, ok := r.state.(connectedState); ok {
			conn = s.conn
		}
	}
	r.mu.Unlock()

	if conn == nil {
		return nil, newError(KindControl, CodeNotConnected, "no connection available", nil)
	}

	r.io.Lock()
	defer r.io.Unlock()

	if err := r.live(conn); err != nil {
		return nil, controlGone(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindControl, CodeFailure, "", context.Cause(ctx))
	}

	r.log.Tracef("%s: ctl %08X >> % X", r.name, r.controlCode, cmd)
	start := time.Now()
	resp, err := conn.Control(r.controlCode, cmd, maxLen)
	r.metrics.exchange(start, err)
	if err != nil {
		return nil, newError(KindControl, CodeFailure, "an error occurred while transmitting control", err)
	}
	r.log.Tracef("%s: ctl << % X", r.name, resp)

	if err := r.live(conn); err != nil {
		return nil, controlGone(err)
	}
	return resp, nil
}

func controlGone(err error) *Error {
	if errors.Is(err, errConnGone) {
		return newError(KindControl, CodeNotConnected, "connection closed", err)
	}
	return newError(KindControl, CodeFailure, "", err)
}

// LoadAuthenticationKey loads key into reader key slot 0 or 1.
func (r *Reader) LoadAuthenticationKey(ctx context.Context, slot int, key Key) error {
	if slot < 0 || slot >= iso7816.KeySlots {
		return newError(KindLoadKey, CodeInvalidKeyNumber, fmt.Sprintf("key number must be 0 or 1, got %d", slot), nil)
	}
	conn, err := r.cardConn(ctx, KindLoadKey)
	if err != nil {
		return err
	}
	ctx, cancel := r.bind(ctx)
	defer cancel()

	s, gen, err := r.keys.reserve(ctx, slot)
	if err != nil {
		return newError(KindLoadKey, CodeFailure, "key slot busy", err)
	}
	if err := r.loadKey(ctx, conn, s, key); err != nil {
		r.keys.commit(s, gen, nil)
		return err
	}
	r.keys.commit(s, gen, &key)
	return nil
}

func (r *Reader) loadKey(ctx context.Context, conn Conn, slot int, key Key) error {
	cmd, err := iso7816.LoadAuthenticationKey(byte(slot), key[:])
	if err != nil {
		return newError(KindLoadKey, CodeInvalidKey, "", err)
	}

	r.metrics.loads.Inc(1)
	raw, err := r.exchange(ctx, conn, cmd, 2)
	if err != nil {
		return ioError(KindLoadKey, "an error occurred while loading the key", err)
	}
	if _, err := checkResponse(KindLoadKey, "load authentication key", raw); err != nil {
		return err
	}
	r.log.Debugf("%s: key loaded into slot %d", r.name, slot)
	return nil
}

// AuthOption configures Authenticate.
type AuthOption func(*authConfig)

type authConfig struct {
	legacy bool
}

// Legacy sends the obsolete PC/SC 2.01 authenticate command (FF 88) some
// readers still require.
func Legacy() AuthOption {
	return func(c *authConfig) {
		c.legacy = true
	}
}

// keyLoadAttempts bounds how often a key is reloaded when another key
// evicts it between load and use.
const keyLoadAttempts = 3

// Authenticate authenticates block of a MIFARE Classic card with key.
//
// The key is loaded into a reader slot first unless a slot already holds
// it. Concurrent calls with the same key share a single load.
func (r *Reader) Authenticate(ctx context.Context, block, keyType byte, key Key, opts ...AuthOption) error {
	var cfg authConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, err := r.cardConn(ctx, KindAuthenticate)
	if err != nil {
		return err
	}
	ctx, cancel := r.bind(ctx)
	defer cancel()

	slot, err := r.resolveSlot(ctx, conn, key)
	if err != nil {
		return newError(KindAuthenticate, CodeUnableToLoadKey, "could not load authentication key into reader", err)
	}
	defer r.keys.unpin(slot)

	var cmd *iso7816.CommandAPDU
	if cfg.legacy {
		cmd = iso7816.AuthenticateLegacy(block, keyType, byte(slot))
	} else {
		cmd = iso7816.GeneralAuthenticate(block, keyType, byte(slot))
	}

	raw, err := r.exchange(ctx, conn, cmd, 2)
	if err != nil {
		return ioError(KindAuthenticate, "an error occurred while authenticating", err)
	}
	if _, err := checkResponse(KindAuthenticate, "authentication", raw); err != nil {
		return err
	}
	return nil
}

// resolveSlot returns a pinned slot holding key, loading it if needed.
//
// Loads run on the reader context. Each caller waits on its own ctx.
func (r *Reader) resolveSlot(ctx context.Context, conn Conn, key Key) (int, error) {
	for attempt := 0; attempt < keyLoadAttempts; attempt++ {
		if slot, ok := r.keys.acquire(key); ok {
			if attempt == 0 {
				r.metrics.hits.Inc(1)
			}
			return slot, nil
		}

		ch := r.keys.loads.DoChan(key.String(), func() (any, error) {
			if slot, ok := r.keys.lookup(key); ok {
				return slot, nil
			}
			slot, gen, err := r.keys.reserve(r.ctx, -1)
			if err != nil {
				return nil, err
			}
			if err := r.loadKey(r.ctx, conn, slot, key); err != nil {
				r.keys.commit(slot, gen, nil)
				return nil, err
			}
			k := key
			r.keys.commit(slot, gen, &k)
			return slot, nil
		})
		select {
		case <-ctx.Done():
			return -1, context.Cause(ctx)
		case res := <-ch:
			if res.Err != nil {
				return -1, res.Err
			}
		}
	}
	return -1, errors.New("key evicted before use")
}
