// conn.go - One live link connection to a peer router.
// Copyright (C) 2025  The nyxnet authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/nyxnet/nyxnet/core/contact"
	"github.com/nyxnet/nyxnet/core/worker"
	"github.com/nyxnet/nyxnet/internal/instrument"
)

const (
	// maxControlMsgLen bounds one length-prefixed control stream record.
	maxControlMsgLen = 1048576

	// ReplyTimeout is the default deadline for a control request's
	// response.
	ReplyTimeout = 10 * time.Second
)

// prologue is written by the dialer as soon as the control stream opens;
// it both versions the protocol and makes the stream visible to the
// acceptor, whose AcceptStream only fires once stream data arrives.
var prologue = []byte{0x01}

// streamRecord is one length-prefixed record on the control stream.  A
// request carries an endpoint and a sender assigned id; the response
// echoes the id, with IsError flagging a taxonomised error string in the
// body.
type streamRecord struct {
	ID       uint64 `cbor:"i"`
	Response bool   `cbor:"R,omitempty"`
	Endpoint string `cbor:"e,omitempty"`
	Body     []byte `cbor:"b,omitempty"`
	IsError  bool   `cbor:"E,omitempty"`
}

type pendingReply struct {
	fn    ReplyFunc
	timer *time.Timer
}

// Conn is the live state for one secure transport connection to a peer:
// the QUIC connection, its control stream, and the datagram channel.
type Conn struct {
	worker.Worker

	log *logging.Logger
	m   *Manager

	qc     *quic.Conn
	stream *quic.Stream

	rid contact.RouterID

	// isRelayPeer distinguishes relay peers from client peers; inbound
	// records the accept direction for NumInOut.
	isRelayPeer bool
	inbound     bool

	writeMu sync.Mutex

	pendMu  sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingReply

	closeOnce sync.Once
}

func newConn(m *Manager, qc *quic.Conn, stream *quic.Stream, rid contact.RouterID, isRelayPeer, inbound bool) *Conn {
	c := &Conn{
		log:         m.logBackend.GetLogger(fmt.Sprintf("link:conn:%s", rid)),
		m:           m,
		qc:          qc,
		stream:      stream,
		rid:         rid,
		isRelayPeer: isRelayPeer,
		inbound:     inbound,
		pending:     make(map[uint64]*pendingReply),
	}
	return c
}

// RouterID returns the authenticated identity of the peer.
func (c *Conn) RouterID() contact.RouterID { return c.rid }

// IsRelayPeer reports whether the peer authenticated as a relay.
func (c *Conn) IsRelayPeer() bool { return c.isRelayPeer }

// IsInbound reports whether the peer dialed us.
func (c *Conn) IsInbound() bool { return c.inbound }

func (c *Conn) start() {
	c.Go(c.streamWorker)
	c.Go(c.datagramWorker)
	c.Go(c.watchdog)
}

// watchdog tears the Conn down when either side closes the underlying
// connection, or on Halt.
func (c *Conn) watchdog() {
	select {
	case <-c.qc.Context().Done():
		c.teardown(ErrLinkClosed)
	case <-c.HaltCh():
	}
}

func (c *Conn) streamWorker() {
	for {
		rec, err := c.readRecord()
		if err != nil {
			select {
			case <-c.HaltCh():
			default:
				c.log.Debugf("Control stream closed: %v", err)
			}
			c.teardown(ErrLinkClosed)
			return
		}
		if rec.Response {
			c.completePending(rec.ID, rec)
			continue
		}
		c.m.dispatch(c, rec)
	}
}

func (c *Conn) datagramWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.HaltCh():
		case <-c.qc.Context().Done():
		}
		cancel()
	}()

	for {
		b, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		instrument.DatagramsReceived()
		c.m.handleDatagram(c, b)
	}
}

func (c *Conn) readRecord() (*streamRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxControlMsgLen {
		return nil, fmt.Errorf("link: invalid control record length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		return nil, err
	}
	rec := new(streamRecord)
	if err := cbor.Unmarshal(buf, rec); err != nil {
		return nil, fmt.Errorf("link: malformed control record: %v", err)
	}
	return rec, nil
}

func (c *Conn) writeRecord(rec *streamRecord) error {
	b, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if len(b) > maxControlMsgLen {
		return fmt.Errorf("link: oversized control record (%d bytes)", len(b))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err = c.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.stream.Write(b)
	return err
}

// sendRequest submits a control request.  onReply, if not nil, is
// guaranteed exactly one invocation: the peer's response, a timeout, or a
// cancellation when the connection dies first.
func (c *Conn) sendRequest(endpoint string, body []byte, onReply ReplyFunc) error {
	c.pendMu.Lock()
	c.nextID++
	id := c.nextID
	if onReply != nil {
		p := &pendingReply{fn: onReply}
		p.timer = time.AfterFunc(ReplyTimeout, func() {
			c.completePending(id, nil)
		})
		c.pending[id] = p
	}
	c.pendMu.Unlock()

	err := c.writeRecord(&streamRecord{ID: id, Endpoint: endpoint, Body: body})
	if err != nil {
		c.cancelPending(id, ErrLinkClosed)
		return err
	}
	return nil
}

func (c *Conn) respond(id uint64, body []byte, isError bool) {
	err := c.writeRecord(&streamRecord{ID: id, Response: true, Body: body, IsError: isError})
	if err != nil {
		c.log.Debugf("Failed to send response: %v", err)
	}
}

// completePending resolves an outstanding request.  A nil record means
// the reply deadline fired.
func (c *Conn) completePending(id uint64, rec *streamRecord) {
	c.pendMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.pendMu.Unlock()
	if !ok {
		return
	}

	r := Reply{Err: ErrTimeout}
	if rec != nil {
		if rec.IsError {
			r = Reply{Err: fmt.Errorf("%w: %s", ErrRemote, string(rec.Body))}
		} else {
			r = Reply{Body: rec.Body}
		}
	}
	c.m.caller.CallSoon(func() { p.fn(r) })
}

func (c *Conn) cancelPending(id uint64, reason error) {
	c.pendMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.pendMu.Unlock()
	if ok {
		c.m.caller.CallSoon(func() { p.fn(Reply{Err: reason}) })
	}
}

func (c *Conn) cancelAllPending(reason error) {
	c.pendMu.Lock()
	cancelled := c.pending
	c.pending = make(map[uint64]*pendingReply)
	c.pendMu.Unlock()

	for _, p := range cancelled {
		p.timer.Stop()
		fn := p.fn
		c.m.caller.CallSoon(func() { fn(Reply{Err: reason}) })
	}
}

// sendDatagram is a best effort unreliable send.
func (c *Conn) sendDatagram(b []byte) error {
	if err := c.qc.SendDatagram(b); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("link: datagram exceeds MTU (max %d)", tooLarge.MaxDatagramPayloadSize)
		}
		return err
	}
	instrument.DatagramsSent()
	return nil
}

// teardown closes the connection once, cancelling every pending reply
// with the given reason and informing the manager.
func (c *Conn) teardown(reason error) {
	c.closeOnce.Do(func() {
		_ = c.qc.CloseWithError(0, "")
		c.cancelAllPending(reason)
		c.m.onConnClosed(c, reason)
	})
}

// Close tears down the connection and waits for its workers.
func (c *Conn) Close() {
	c.teardown(ErrLinkClosed)
	c.Halt()
}
