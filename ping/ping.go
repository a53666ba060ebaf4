// Package ping encodes and decodes ping payloads handed back by the native
// core. A payload is a protobuf google.protobuf.Struct:
//
//	{
//	  "ping":    "<ping name>",
//	  "metrics": { "<category>.<name>": "<value>", ... }
//	}
//
// Values are int64 written as decimal strings, since a Struct number is a
// double. Decode also accepts numbers that hold an exact integer.
//
// Encoding is deterministic so identical pings produce identical bytes.
package ping

import (
	"math"
	"sort"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wippyai/metrics-bridge/errors"
)

const (
	fieldPing    = "ping"
	fieldMetrics = "metrics"

	// maxExactFloat is the largest magnitude below which every integer is
	// representable as a float64.
	maxExactFloat = 1 << 53
)

// Payload is the decoded content of a ping.
type Payload struct {
	Metrics map[string]int64
	Name    string
}

// Identifiers returns the metric identifiers in the payload, sorted.
func (p *Payload) Identifiers() []string {
	ids := make([]string, 0, len(p.Metrics))
	for id := range p.Metrics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var (
	marshalOpts   = proto.MarshalOptions{Deterministic: true}
	unmarshalOpts = proto.UnmarshalOptions{DiscardUnknown: true}
)

// Encode serializes a payload.
func Encode(p Payload) ([]byte, error) {
	metrics := make(map[string]any, len(p.Metrics))
	for id, v := range p.Metrics {
		metrics[id] = strconv.FormatInt(v, 10)
	}
	s, err := structpb.NewStruct(map[string]any{
		fieldPing:    p.Name,
		fieldMetrics: metrics,
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "build ping payload")
	}
	b, err := marshalOpts.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "marshal ping payload")
	}
	return b, nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (*Payload, error) {
	var s structpb.Struct
	if err := unmarshalOpts.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "unmarshal ping payload")
	}

	name, ok := s.Fields[fieldPing]
	if !ok {
		return nil, errors.InvalidData(errors.PhaseRuntime, "decode_ping", "missing ping name")
	}
	p := &Payload{
		Name:    name.GetStringValue(),
		Metrics: make(map[string]int64),
	}

	for id, v := range s.Fields[fieldMetrics].GetStructValue().GetFields() {
		n, err := metricValue(id, v)
		if err != nil {
			return nil, err
		}
		p.Metrics[id] = n
	}
	return p, nil
}

func metricValue(id string, v *structpb.Value) (int64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "metric "+id+" is not an int64")
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
			return 0, errors.InvalidData(errors.PhaseRuntime, "decode_ping",
				"metric "+id+" is not an exact integer: "+strconv.FormatFloat(f, 'g', -1, 64))
		}
		return int64(f), nil
	default:
		return 0, errors.InvalidData(errors.PhaseRuntime, "decode_ping", "metric "+id+" is not a number")
	}
}
