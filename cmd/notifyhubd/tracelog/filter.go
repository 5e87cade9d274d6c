package tracelog

import (
	"fmt"

	"github.com/devicehive/notifyhub/pkg/log"
)

// RunFilter copies matching events into a new trace file and returns how
// many were written.
func RunFilter(path, output string, opts Options) (int, error) {
	if output == "" {
		return 0, fmt.Errorf("output file is required")
	}
	out, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	count := 0
	err = each(path, opts, func(e log.Event) error {
		out.Log(e)
		count++
		return nil
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return count, err
}
