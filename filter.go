package eventide

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FilterKind selects what a SubscriptionFilter matches on.
type FilterKind uint8

const (
	// FilterByEventType matches on the event type.
	FilterByEventType FilterKind = iota
	// FilterByStreamName matches on the stream id.
	FilterByStreamName
)

// SubscriptionFilter restricts the events a $all subscription delivers.
// Prefixes and Regex match the field selected by Kind. An event passes when
// it matches any prefix or the regex (or both are unset) and the CEL
// expression, if any, evaluates to true.
//
// The expression sees the variables event_type, stream_id, content_type,
// revision, position, size and json, the decoded payload of JSON events.
// json is null for other events and for JSON events that fail to decode.
type SubscriptionFilter struct {
	Kind     FilterKind
	Prefixes []string
	Regex    string
	Expr     string

	// ExcludeSystemEvents drops events whose type or stream starts with "$".
	ExcludeSystemEvents bool

	// CheckpointInterval emits a CheckpointReached item every that many
	// events scanned, whether they passed the filter or not. Zero disables
	// checkpoints.
	CheckpointInterval uint32
}

// ExcludeSystemEventsFilter passes every application event.
func ExcludeSystemEventsFilter() *SubscriptionFilter {
	return &SubscriptionFilter{ExcludeSystemEvents: true}
}

type eventFilter struct {
	kind     FilterKind
	prefixes []string
	re       *regexp.Regexp
	prog     cel.Program
	noSystem bool
	interval uint32
	log      logrus.FieldLogger
}

func compileFilter(f *SubscriptionFilter, log logrus.FieldLogger) (*eventFilter, error) {
	if f == nil {
		return nil, nil
	}

	ef := &eventFilter{
		kind:     f.Kind,
		prefixes: f.Prefixes,
		noSystem: f.ExcludeSystemEvents,
		interval: f.CheckpointInterval,
		log:      log,
	}

	if f.Regex != "" {
		re, err := regexp.Compile(f.Regex)
		if err != nil {
			return nil, errors.Wrap(err, "eventide: filter regex")
		}
		ef.re = re
	}

	if expr := strings.TrimSpace(f.Expr); expr != "" {
		prog, err := compileExpr(expr)
		if err != nil {
			return nil, errors.Wrap(err, "eventide: filter expression")
		}
		ef.prog = prog
	}

	return ef, nil
}

func compileExpr(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.StringType),
		cel.Variable("stream_id", cel.StringType),
		cel.Variable("content_type", cel.StringType),
		cel.Variable("revision", cel.UintType),
		cel.Variable("position", cel.UintType),
		cel.Variable("size", cel.IntType),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return env.Program(checked)
}

func (f *eventFilter) match(e *RecordedEvent) bool {
	if f == nil {
		return true
	}
	if f.noSystem && (strings.HasPrefix(e.Type, systemStreamPrefix) || IsSystemStream(e.StreamID)) {
		return false
	}

	field := e.Type
	if f.kind == FilterByStreamName {
		field = e.StreamID
	}

	if len(f.prefixes) > 0 || f.re != nil {
		ok := f.re != nil && f.re.MatchString(field)
		for _, p := range f.prefixes {
			if ok {
				break
			}
			ok = strings.HasPrefix(field, p)
		}
		if !ok {
			return false
		}
	}

	if f.prog != nil {
		return f.eval(e)
	}
	return true
}

func (f *eventFilter) eval(e *RecordedEvent) bool {
	var doc any
	if e.IsJSON() {
		if err := json.Unmarshal(e.Data, &doc); err != nil {
			f.log.WithError(err).WithField("event_id", e.ID).Debug("filter: payload is not valid json")
			doc = nil
		}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"event_type":   e.Type,
		"stream_id":    e.StreamID,
		"content_type": e.ContentType,
		"revision":     e.Revision,
		"position":     e.Position,
		"size":         int64(len(e.Data)),
		"json":         doc,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
