package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/halsim/halsim-go/pkg/log"
	"github.com/halsim/halsim-go/pkg/wire"
)

func TestFormatFrameEvent(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)
	event := log.Event{
		Timestamp: ts,
		SessionID: "abc12345-6789-0123-4567-890abcdef012",
		Direction: log.DirectionOut,
		Layer:     log.LayerTransport,
		Category:  log.CategoryMessage,
		Frame:     log.NewFrameEvent([]byte{0x01, 0x00, 0x00, 0x07, 0x02, 0x01}),
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z",
		"[abc12345]",
		"CLIENT",
		"OUT",
		"TRANSPORT Frame",
		"6 bytes",
		"010000070201",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestFormatMessageEvent(t *testing.T) {
	elapsed := 1500 * time.Microsecond
	ev := log.NewMessageEvent(&wire.Message{Type: wire.TypeSPIStatus, Seq: 9, Status: wire.StatusBusBusy})
	ev.ProcessingTime = &elapsed

	var buf bytes.Buffer
	formatEvent(&buf, log.Event{
		SessionID: "127.0.0.1:5000",
		LocalRole: log.RoleServer,
		Layer:     log.LayerWire,
		BusType:   "spi",
		Message:   ev,
	})
	output := buf.String()

	for _, want := range []string{"[127.0.0.1:5000]", "SERVER", "SPI_STATUS_CODE", "Seq: 9", "Duration: 1.500ms", "Bus type: spi"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("BUS"); err != nil || l != log.LayerBus {
		t.Errorf("ParseLayerFlag(BUS) = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("service"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("out"); err != nil || d != log.DirectionOut {
		t.Errorf("ParseDirectionFlag(out) = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("sideways"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := ParseCategoryFlag("State"); err != nil || c != log.CategoryState {
		t.Errorf("ParseCategoryFlag(State) = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("control"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func writeCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bench.hlog")
	fl, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	busOne := uint8(1)
	events := []log.Event{
		{
			Timestamp: base, SessionID: "11111111-2222-3333-4444-555555555555",
			Direction: log.DirectionOut, Layer: log.LayerWire, BusType: "spi",
			Message: log.NewMessageEvent(&wire.Message{Type: wire.TypeSPIAcquire, Seq: 1}),
		},
		{
			Timestamp: base.Add(time.Millisecond), SessionID: "11111111-2222-3333-4444-555555555555",
			Layer: log.LayerWire, BusType: "spi",
			Message: log.NewMessageEvent(&wire.Message{Type: wire.TypeSPIStatus, Seq: 1, Status: wire.StatusOK}),
		},
		{
			Timestamp: base.Add(2 * time.Second), SessionID: "10.0.0.2:4000", LocalRole: log.RoleServer,
			Layer: log.LayerBus, Category: log.CategoryState, BusType: "i2c",
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityBus, Bus: &busOne, OldState: "OWNED", NewState: "FREE", Reason: "lease expired"},
		},
		{
			Timestamp: base.Add(3 * time.Second), SessionID: "10.0.0.2:4000", LocalRole: log.RoleServer,
			Layer: log.LayerWire, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerWire, Message: "unknown message type", Context: "decode request"},
		},
	}
	for _, e := range events {
		fl.Log(e)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestRunView(t *testing.T) {
	path := writeCapture(t)

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunView: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"SPI_ACQUIRE_BUS", "SPI_STATUS_CODE", "OWNED -> FREE", "Reason: lease expired", "Context: decode request"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output", want)
		}
	}

	buf.Reset()
	if err := RunView(path, log.Filter{BusType: "i2c"}, &buf); err != nil {
		t.Fatalf("RunView filtered: %v", err)
	}
	if strings.Contains(buf.String(), "SPI_") || !strings.Contains(buf.String(), "State") {
		t.Errorf("filter not applied:\n%s", buf.String())
	}

	if err := RunView(filepath.Join(t.TempDir(), "missing.hlog"), log.Filter{}, &buf); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCollectStats(t *testing.T) {
	stats, err := CollectStats(writeCapture(t))
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}
	if stats.TotalEvents != 4 {
		t.Errorf("TotalEvents = %d, want 4", stats.TotalEvents)
	}
	if len(stats.Sessions) != 2 {
		t.Errorf("Sessions = %d, want 2", len(stats.Sessions))
	}
	if stats.Statuses["OK"] != 1 {
		t.Errorf("Statuses = %v", stats.Statuses)
	}
	if stats.Takeovers != 1 || stats.Errors != 1 {
		t.Errorf("Takeovers = %d, Errors = %d", stats.Takeovers, stats.Errors)
	}
	if got := stats.TimeRange.End.Sub(stats.TimeRange.Start); got != 3*time.Second {
		t.Errorf("time range = %s", got)
	}

	var buf bytes.Buffer
	printStats(&buf, stats)
	if !strings.Contains(buf.String(), "Lease takeovers: 1") {
		t.Errorf("missing takeovers line:\n%s", buf.String())
	}
}
