package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/halsim/halsim-go/pkg/cmdqueue"
	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/wire"
)

// Envelope is the command queue payload: one datagram and the identity of
// the client that sent it.
type Envelope struct {
	Client string `cbor:"1,keyasint"`
	Data   []byte `cbor:"2,keyasint"`
}

// Reply is the command queue result: the encoded responses in send order.
// An empty reply means nothing is sent back.
type Reply struct {
	Frames [][]byte `cbor:"1,keyasint,omitempty"`
}

// envelopeOverhead bounds the CBOR framing around the datagram and the
// client identity.
const envelopeOverhead = 16

// MaxEnvelopeSize returns the encoded size limit of an Envelope whose client
// identity is at most clientLen bytes.
func MaxEnvelopeSize(clientLen int) int {
	return wire.MaxMessageSize + clientLen + envelopeOverhead
}

var (
	envEncMode cbor.EncMode
	envDecMode cbor.DecMode
)

func init() {
	var err error
	envEncMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create envelope CBOR encoder mode: %v", err))
	}
	envDecMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create envelope CBOR decoder mode: %v", err))
	}
}

// EncodeEnvelope encodes e.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return envEncMode.Marshal(e)
}

// DecodeEnvelope decodes an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := envDecMode.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// EncodeReply encodes r.
func EncodeReply(r Reply) ([]byte, error) {
	return envEncMode.Marshal(r)
}

// DecodeReply decodes a Reply. An empty input is an empty reply.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if len(data) == 0 {
		return r, nil
	}
	if err := envDecMode.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

// Execute decodes an Envelope, applies its message and returns the encoded
// Reply. Malformed messages are rejected with an error and get no reply.
func (a *Arbiter) Execute(_ context.Context, payload []byte) ([]byte, error) {
	start := time.Now()

	env, err := DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}
	req, err := wire.Decode(env.Data)
	if err != nil {
		a.logger.Debug("dropping malformed request", "client", env.Client, "size", len(env.Data), "error", err)
		a.capture.Log(log.Event{
			Timestamp: time.Now(),
			SessionID: env.Client,
			Layer:     log.LayerWire,
			Category:  log.CategoryError,
			LocalRole: log.RoleServer,
			Error: &log.ErrorEventData{
				Layer:   log.LayerWire,
				Message: err.Error(),
				Context: "decode request",
			},
		})
		return nil, err
	}
	a.captureMessage(env.Client, log.DirectionIn, req, nil)

	resp, err := a.Handle(env.Client, req)
	if err != nil {
		return nil, err
	}

	reply := Reply{Frames: make([][]byte, 0, len(resp))}
	elapsed := time.Since(start)
	for _, m := range resp {
		frame, err := wire.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Type, err)
		}
		reply.Frames = append(reply.Frames, frame)
		a.captureMessage(env.Client, log.DirectionOut, m, &elapsed)
	}
	return EncodeReply(reply)
}

func (a *Arbiter) captureMessage(client string, dir log.Direction, m *wire.Message, elapsed *time.Duration) {
	ev := log.NewMessageEvent(m)
	ev.ProcessingTime = elapsed
	a.capture.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: client,
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		LocalRole: log.RoleServer,
		BusType:   busTypeOf(m.Type).String(),
		Message:   ev,
	})
}

var _ cmdqueue.Executor = (*Arbiter)(nil)
