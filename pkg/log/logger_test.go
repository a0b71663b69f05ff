package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/halsim/halsim-go/pkg/wire"
)

type recordingLogger struct {
	events []Event
}

func (r *recordingLogger) Log(event Event) {
	r.events = append(r.events, event)
}

func TestNoopLogger(t *testing.T) {
	var logger NoopLogger
	logger.Log(Event{})
	logger.Log(Event{Frame: &FrameEvent{Size: 1}})

	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}
	rec := &recordingLogger{}
	if OrNoop(rec) != Logger(rec) {
		t.Error("OrNoop should return a non-nil logger unchanged")
	}
}

func TestMultiLoggerCallsAll(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	multi := NewMultiLogger(a, nil, b)

	multi.Log(Event{Timestamp: time.Now(), SessionID: "s-1"})

	for i, rec := range []*recordingLogger{a, b} {
		if len(rec.events) != 1 || rec.events[0].SessionID != "s-1" {
			t.Errorf("logger %d: events = %+v", i, rec.events)
		}
	}

	NewMultiLogger().Log(Event{})
}

func logJSON(t *testing.T, event Event) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	adapter.Log(event)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestSlogAdapterFrame(t *testing.T) {
	entry := logJSON(t, Event{
		SessionID: "conn-1", Direction: DirectionIn, Layer: LayerTransport,
		RemoteAddr: "127.0.0.1:9000", Frame: &FrameEvent{Size: 7},
	})

	if entry["msg"] != "capture" || entry["level"] != "DEBUG" {
		t.Errorf("record = %v", entry)
	}
	if entry["session"] != "conn-1" || entry["direction"] != "IN" || entry["layer"] != "TRANSPORT" {
		t.Errorf("envelope attrs = %v", entry)
	}
	if entry["frame_size"] != float64(7) || entry["remote"] != "127.0.0.1:9000" {
		t.Errorf("frame attrs = %v", entry)
	}
}

func TestSlogAdapterMessage(t *testing.T) {
	entry := logJSON(t, Event{
		Layer:   LayerWire,
		BusType: "spi",
		Message: NewMessageEvent(&wire.Message{Type: wire.TypeSPIAcquire, Seq: 5, Bus: 2, Chip: 1}),
	})

	if entry["msg_type"] != "SPI_ACQUIRE_BUS" || entry["seq"] != float64(5) {
		t.Errorf("message attrs = %v", entry)
	}
	if entry["bus"] != float64(2) || entry["chip"] != float64(1) || entry["bus_type"] != "spi" {
		t.Errorf("bus attrs = %v", entry)
	}
}

func TestSlogAdapterStateAndError(t *testing.T) {
	bus := uint8(3)
	entry := logJSON(t, Event{
		Layer:       LayerBus,
		StateChange: &StateChangeEvent{Entity: StateEntityBus, Bus: &bus, OldState: "OWNED", NewState: "FREE", Reason: "lease expired"},
	})
	if entry["entity"] != "BUS" || entry["new_state"] != "FREE" || entry["reason"] != "lease expired" {
		t.Errorf("state attrs = %v", entry)
	}

	entry = logJSON(t, Event{Error: &ErrorEventData{Layer: LayerWire, Message: "bad", Context: "decode"}})
	if entry["error_layer"] != "WIRE" || entry["error_msg"] != "bad" || entry["error_context"] != "decode" {
		t.Errorf("error attrs = %v", entry)
	}
}
