package tracelog

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/devicehive/notifyhub/pkg/log"
)

// Stats holds aggregate statistics about a trace.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	EventsByAction    map[string]int
	Sessions          map[string]*SessionStats
	Errors            int
	Start, End        time.Time
}

// SessionStats holds statistics for one session.
type SessionStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Transport string
	Principal string
	Pushes    int
}

// Collect aggregates the matching events of path.
func Collect(path string, opts Options) (*Stats, error) {
	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		EventsByAction:    make(map[string]int),
		Sessions:          make(map[string]*SessionStats),
	}
	err := each(path, opts, func(e log.Event) error {
		stats.add(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Stats) add(e log.Event) {
	s.TotalEvents++
	s.EventsByLayer[e.Layer]++
	s.EventsByCategory[e.Category]++
	s.EventsByDirection[e.Direction]++
	if s.Start.IsZero() || e.Timestamp.Before(s.Start) {
		s.Start = e.Timestamp
	}
	if e.Timestamp.After(s.End) {
		s.End = e.Timestamp
	}
	if e.Error != nil {
		s.Errors++
	}

	sess, ok := s.Sessions[e.SessionID]
	if !ok {
		sess = &SessionStats{FirstSeen: e.Timestamp, LastSeen: e.Timestamp}
		s.Sessions[e.SessionID] = sess
	}
	sess.Events++
	if e.Timestamp.After(sess.LastSeen) {
		sess.LastSeen = e.Timestamp
	}
	if sess.Transport == "" {
		sess.Transport = e.Transport
	}
	if sess.Principal == "" {
		sess.Principal = e.Principal
	}
	if e.Message != nil {
		if e.Message.Type == log.MessageTypeRequest {
			s.EventsByAction[e.Message.Action]++
		}
		if e.Message.Type == log.MessageTypePush {
			sess.Pushes++
		}
	}
}

// RunStats prints the statistics of path.
func RunStats(path string, opts Options, w io.Writer) error {
	stats, err := Collect(path, opts)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, s *Stats) {
	fmt.Fprintln(w, "=== notifyhub Trace Statistics ===")
	fmt.Fprintln(w)
	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n\n", s.End.Sub(s.Start).Round(time.Second))
	}
	fmt.Fprintf(w, "Total Events: %d\n\n", s.TotalEvents)

	fmt.Fprintln(w, "Events by Layer:")
	for _, l := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerService} {
		if n := s.EventsByLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", l.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if n := s.EventsByCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	if len(s.EventsByAction) > 0 {
		fmt.Fprintln(w, "Requests by Action:")
		actions := make([]string, 0, len(s.EventsByAction))
		for a := range s.EventsByAction {
			actions = append(actions, a)
		}
		sort.Strings(actions)
		for _, a := range actions {
			fmt.Fprintf(w, "  %-26s %d\n", a+":", s.EventsByAction[a])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Sessions: %d\n", len(s.Sessions))
	ids := make([]string, 0, len(s.Sessions))
	for id := range s.Sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.Sessions[ids[i]].FirstSeen.Before(s.Sessions[ids[j]].FirstSeen)
	})
	for _, id := range ids {
		ss := s.Sessions[id]
		fmt.Fprintf(w, "  [%s] %d events, %d pushes, duration %s", shortID(id), ss.Events, ss.Pushes,
			ss.LastSeen.Sub(ss.FirstSeen).Round(time.Millisecond))
		if ss.Transport != "" {
			fmt.Fprintf(w, ", %s", ss.Transport)
		}
		if ss.Principal != "" {
			fmt.Fprintf(w, ", key %s", ss.Principal)
		}
		fmt.Fprintln(w)
	}

	if s.Errors > 0 {
		fmt.Fprintf(w, "\nErrors: %d\n", s.Errors)
	}
}
