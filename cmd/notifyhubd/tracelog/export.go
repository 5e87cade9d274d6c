package tracelog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/devicehive/notifyhub/pkg/log"
)

// RunExport writes matching events as JSON lines or CSV.
func RunExport(path, format string, opts Options, w io.Writer) error {
	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		return each(path, opts, func(e log.Event) error {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			return nil
		})
	case "csv":
		return exportCSV(path, opts, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportCSV(path string, opts Options, w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"timestamp", "session_id", "direction", "layer", "category", "transport", "device_id", "principal", "type", "action", "request_id", "code"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	err := each(path, opts, func(e log.Event) error {
		var action, requestID, code string
		if e.Message != nil {
			action = e.Message.Action
			requestID = e.Message.RequestID
			if e.Message.Code != 0 {
				code = strconv.Itoa(e.Message.Code)
			}
		}
		if e.Error != nil && e.Error.Code != nil {
			code = strconv.Itoa(*e.Error.Code)
		}
		return cw.Write([]string{
			e.Timestamp.UTC().Format(timeLayout),
			e.SessionID,
			e.Direction.String(),
			e.Layer.String(),
			e.Category.String(),
			e.Transport,
			e.DeviceID,
			e.Principal,
			eventType(e),
			action,
			requestID,
			code,
		})
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}
