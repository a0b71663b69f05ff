package log

import (
	"bytes"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/halsim/halsim-go/pkg/wire"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	status := wire.StatusBusBusy
	bus := uint8(2)
	processing := 1500 * time.Microsecond

	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "frame",
			event: Event{
				Timestamp: ts, SessionID: "s-1", Direction: DirectionOut,
				Layer: LayerTransport, Category: CategoryMessage, RemoteAddr: "127.0.0.1:9000",
				Frame: &FrameEvent{Size: 6, Data: []byte{1, 0, 0, 7, 2, 1}},
			},
		},
		{
			name: "status message",
			event: Event{
				Timestamp: ts, SessionID: "s-2", Direction: DirectionIn, Layer: LayerWire,
				Category: CategoryMessage, LocalRole: RoleServer, BusType: "spi",
				Message: &MessageEvent{Type: wire.TypeSPIStatus, Seq: 9, Status: &status, ProcessingTime: &processing},
			},
		},
		{
			name: "bus state",
			event: Event{
				Timestamp: ts, SessionID: "s-3", Layer: LayerBus, Category: CategoryState, BusType: "i2c",
				StateChange: &StateChangeEvent{Entity: StateEntityBus, Bus: &bus, OldState: "FREE", NewState: "OWNED", Reason: "acquire"},
			},
		},
		{
			name: "error",
			event: Event{
				Timestamp: ts, SessionID: "s-4", Layer: LayerWire, Category: CategoryError,
				Error: &ErrorEventData{Layer: LayerWire, Message: "wire: malformed message", Context: "decode"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEvent(tt.event)
			if err != nil {
				t.Fatalf("EncodeEvent failed: %v", err)
			}
			got, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent failed: %v", err)
			}

			if !got.Timestamp.Equal(tt.event.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, tt.event.Timestamp)
			}
			if got.SessionID != tt.event.SessionID || got.Direction != tt.event.Direction ||
				got.Layer != tt.event.Layer || got.Category != tt.event.Category ||
				got.BusType != tt.event.BusType || got.LocalRole != tt.event.LocalRole {
				t.Errorf("envelope = %+v, want %+v", got, tt.event)
			}

			switch {
			case tt.event.Frame != nil:
				if got.Frame == nil || !bytes.Equal(got.Frame.Data, tt.event.Frame.Data) || got.Frame.Size != tt.event.Frame.Size {
					t.Errorf("Frame = %+v, want %+v", got.Frame, tt.event.Frame)
				}
			case tt.event.Message != nil:
				if got.Message == nil || got.Message.Status == nil || *got.Message.Status != status {
					t.Fatalf("Message = %+v", got.Message)
				}
				if got.Message.ProcessingTime == nil || *got.Message.ProcessingTime != processing {
					t.Errorf("ProcessingTime = %v, want %v", got.Message.ProcessingTime, processing)
				}
			case tt.event.StateChange != nil:
				if got.StateChange == nil || *got.StateChange.Bus != bus || got.StateChange.NewState != "OWNED" {
					t.Errorf("StateChange = %+v", got.StateChange)
				}
			case tt.event.Error != nil:
				if got.Error == nil || *got.Error != *tt.event.Error {
					t.Errorf("Error = %+v, want %+v", got.Error, tt.event.Error)
				}
			}
		})
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{Timestamp: time.Now(), SessionID: "abc"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for k := range raw {
		if _, ok := k.(uint64); !ok {
			t.Errorf("key %v (%T) is not an integer", k, k)
		}
	}
	if raw[uint64(2)] != "abc" {
		t.Errorf("key 2 = %v, want session id", raw[uint64(2)])
	}
}

func TestNewMessageEvent(t *testing.T) {
	ev := NewMessageEvent(&wire.Message{Type: wire.TypeI2CStart, Seq: 3, Bus: 1, Address: 0x68})
	if ev.Bus == nil || *ev.Bus != 1 || ev.Chip == nil || *ev.Chip != 0x68 || ev.Status != nil {
		t.Errorf("I2C start event = %+v", ev)
	}

	ev = NewMessageEvent(&wire.Message{Type: wire.TypeSPIXferIn, Seq: 4, Bus: 2, Data: make([]byte, 10)})
	if ev.Size == nil || *ev.Size != 10 {
		t.Errorf("xfer event size = %v, want 10", ev.Size)
	}

	ev = NewMessageEvent(&wire.Message{Type: wire.TypeSPIStatus, Status: wire.StatusOK})
	if ev.Status == nil || ev.Bus != nil {
		t.Errorf("status event = %+v", ev)
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	f := NewFrameEvent(make([]byte, MaxFrameCapture+10))
	if f.Size != MaxFrameCapture+10 || len(f.Data) != MaxFrameCapture || !f.Truncated {
		t.Errorf("FrameEvent = size %d, data %d, truncated %v", f.Size, len(f.Data), f.Truncated)
	}

	src := []byte{1, 2}
	f = NewFrameEvent(src)
	src[0] = 9
	if f.Truncated || f.Data[0] != 1 {
		t.Error("small frame should be copied, not truncated")
	}
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerBus.String(), "BUS"},
		{CategoryState.String(), "STATE"},
		{Category(1).String(), "UNKNOWN"},
		{RoleServer.String(), "SERVER"},
		{StateEntityBus.String(), "BUS"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
