// Package tracelog implements the commands that read protocol trace files
// written by the hub.
package tracelog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/devicehive/notifyhub/pkg/log"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Options are the filter flags shared by all commands.
type Options struct {
	SessionID string
	DeviceID  string
	Action    string
	Layer     string
	Direction string
	Category  string
	TimeStart string
	TimeEnd   string
}

// Filter converts the flags into a log.Filter.
func (o Options) Filter() (log.Filter, error) {
	f := log.Filter{SessionID: o.SessionID, DeviceID: o.DeviceID, Action: o.Action}
	if o.Layer != "" {
		l, err := ParseLayer(o.Layer)
		if err != nil {
			return f, err
		}
		f.Layer = &l
	}
	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return f, err
		}
		f.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return f, err
		}
		f.Category = &c
	}
	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return f, fmt.Errorf("invalid time-start: %w", err)
		}
		f.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return f, fmt.Errorf("invalid time-end: %w", err)
		}
		f.TimeEnd = &t
	}
	return f, nil
}

// ParseLayer parses a layer name (case-insensitive).
func ParseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "service":
		return log.LayerService, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire or service)", s)
	}
}

// ParseDirection parses a direction name (case-insensitive).
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state or error)", s)
	}
}

// each calls fn for every event of path matching opts.
func each(path string, opts Options, fn func(log.Event) error) error {
	filter, err := opts.Filter()
	if err != nil {
		return err
	}
	reader, err := log.NewReader(path, filter)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// RunView prints matching events in human-readable form.
func RunView(path string, opts Options, w io.Writer) error {
	return each(path, opts, func(e log.Event) error {
		formatEvent(w, e)
		return nil
	})
}

func eventType(e log.Event) string {
	switch {
	case e.Frame != nil:
		return "Frame"
	case e.Message != nil:
		return e.Message.Type.String()
	case e.StateChange != nil:
		return "State"
	case e.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

func formatEvent(w io.Writer, e log.Event) {
	fmt.Fprintf(w, "%s [%s] %-3s %s %s",
		e.Timestamp.UTC().Format(timeLayout), shortID(e.SessionID), e.Direction, e.Layer, eventType(e))
	if e.Transport != "" {
		fmt.Fprintf(w, " (%s)", e.Transport)
	}
	fmt.Fprintln(w)
	if e.Principal != "" {
		fmt.Fprintf(w, "  Principal: %s\n", e.Principal)
	}
	if e.DeviceID != "" {
		fmt.Fprintf(w, "  Device: %s\n", e.DeviceID)
	}

	switch {
	case e.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes\n", e.Frame.Size)
		if len(e.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(e.Frame.Data))
			if e.Frame.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case e.Message != nil:
		formatMessage(w, e.Message)
	case e.StateChange != nil:
		sc := e.StateChange
		fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
		if len(sc.SubscriptionIDs) > 0 {
			fmt.Fprintf(w, "  Subscriptions: %s\n", strings.Join(sc.SubscriptionIDs, ", "))
		}
	case e.Error != nil:
		fmt.Fprintf(w, "  Layer: %s\n", e.Error.Layer)
		fmt.Fprintf(w, "  Message: %s\n", e.Error.Message)
		if e.Error.Code != nil {
			fmt.Fprintf(w, "  Code: %d\n", *e.Error.Code)
		}
		if e.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", e.Error.Context)
		}
	}
	fmt.Fprintln(w)
}

func formatMessage(w io.Writer, m *log.MessageEvent) {
	if m.Action != "" {
		fmt.Fprintf(w, "  Action: %s\n", m.Action)
	}
	if m.RequestID != "" {
		fmt.Fprintf(w, "  RequestID: %s\n", m.RequestID)
	}
	if m.SubscriptionID != "" {
		fmt.Fprintf(w, "  SubscriptionID: %s\n", m.SubscriptionID)
	}
	if m.NotificationID != 0 {
		fmt.Fprintf(w, "  NotificationID: %d\n", m.NotificationID)
	}
	if m.Status != "" {
		if m.Code != 0 {
			fmt.Fprintf(w, "  Status: %s (%d)\n", m.Status, m.Code)
		} else {
			fmt.Fprintf(w, "  Status: %s\n", m.Status)
		}
	}
	if m.ProcessingTime != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*m.ProcessingTime))
	}
}

// shortID returns the first 8 characters of a session ID.
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}
