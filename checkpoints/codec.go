package checkpoints

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/tgnassou/MEEG-Brainstorm/optimizer"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Blob layout: 8-byte magic followed by one protobuf message.
//
//	1 version   varint
//	2 kind      varint
//	3 created   varint (unix nanoseconds)
//	4 framework string
//	5 tensor    repeated message {1 name, 2 shape packed varint, 3 data packed fixed32, 4 type}
//	6 opt_type  string
//	7 step      varint
//	8 opt_hyper google.protobuf.Struct
var magic = []byte("MEEGSTT\x00")

const (
	formatVersion = 1
	framework     = "meeg-brainstorm"
)

const (
	fieldVersion protowire.Number = iota + 1
	fieldKind
	fieldCreated
	fieldFramework
	fieldTensor
	fieldOptimizerType
	fieldStep
	fieldOptimizerParams
)

const (
	tensorName protowire.Number = iota + 1
	tensorShape
	tensorData
	tensorKind
)

func encodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	b := append([]byte(nil), magic...)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, formatVersion)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cp.Kind))
	created := cp.Metadata.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(created.UnixNano()))
	b = protowire.AppendTag(b, fieldFramework, protowire.BytesType)
	b = protowire.AppendString(b, framework)

	for _, w := range cp.Weights {
		b = appendTensor(b, w)
	}
	if st := cp.OptimizerState; st != nil {
		for _, s := range st.StateData {
			b = appendTensor(b, WeightTensor{Name: s.Name, Shape: s.Shape, Data: s.Data, Type: s.StateType})
		}
		b = protowire.AppendTag(b, fieldOptimizerType, protowire.BytesType)
		b = protowire.AppendString(b, st.Type)
		b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
		b = protowire.AppendVarint(b, st.StepCount)
		params, err := structpb.NewStruct(st.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode optimizer hyperparameters: %w", err)
		}
		raw, err := proto.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode optimizer hyperparameters: %w", err)
		}
		b = protowire.AppendTag(b, fieldOptimizerParams, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	}
	return b, nil
}

func appendTensor(b []byte, w WeightTensor) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, tensorName, protowire.BytesType)
	msg = protowire.AppendString(msg, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	msg = protowire.AppendTag(msg, tensorShape, protowire.BytesType)
	msg = protowire.AppendBytes(msg, shape)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	msg = protowire.AppendTag(msg, tensorData, protowire.BytesType)
	msg = protowire.AppendBytes(msg, data)

	msg = protowire.AppendTag(msg, tensorKind, protowire.BytesType)
	msg = protowire.AppendString(msg, w.Type)

	b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptCheckpoint, fmt.Sprintf(format, args...))
}

func decodeCheckpoint(b []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(b, magic) {
		return nil, corrupt("missing header")
	}
	b = b[len(magic):]

	cp := &Checkpoint{}
	var tensors []WeightTensor
	var opt *optimizer.OptimizerState
	optimizerState := func() *optimizer.OptimizerState {
		if opt == nil {
			opt = &optimizer.OptimizerState{Parameters: map[string]interface{}{}}
		}
		return opt
	}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("bad version")
			}
			if v != formatVersion {
				return nil, corrupt("unsupported format version %d", v)
			}
			cp.Metadata.Version = v
			b = b[n:]
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("bad kind")
			}
			cp.Kind = CheckpointKind(v)
			b = b[n:]
		case num == fieldCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("bad timestamp")
			}
			cp.Metadata.CreatedAt = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldFramework && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, corrupt("bad framework")
			}
			cp.Metadata.Framework = v
			b = b[n:]
		case num == fieldTensor && typ == protowire.BytesType:
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("bad tensor record")
			}
			w, err := decodeTensor(msg)
			if err != nil {
				return nil, err
			}
			tensors = append(tensors, w)
			b = b[n:]
		case num == fieldOptimizerType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, corrupt("bad optimizer type")
			}
			optimizerState().Type = v
			b = b[n:]
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, corrupt("bad step count")
			}
			optimizerState().StepCount = v
			b = b[n:]
		case num == fieldOptimizerParams && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, corrupt("bad optimizer hyperparameters")
			}
			var params structpb.Struct
			if err := proto.Unmarshal(raw, &params); err != nil {
				return nil, corrupt("optimizer hyperparameters: %v", err)
			}
			optimizerState().Parameters = params.AsMap()
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt("bad field %d", num)
			}
			b = b[n:]
		}
	}

	if cp.Metadata.Version == 0 {
		return nil, corrupt("missing version")
	}
	switch cp.Kind {
	case KindWeights:
		cp.Weights = tensors
	case KindOptimizer:
		if opt == nil || opt.Type == "" {
			return nil, corrupt("optimizer blob without optimizer type")
		}
		for _, w := range tensors {
			opt.StateData = append(opt.StateData, optimizer.StateTensor{Name: w.Name, Shape: w.Shape, Data: w.Data, StateType: w.Type})
		}
		cp.OptimizerState = opt
	default:
		return nil, corrupt("unknown checkpoint kind %d", cp.Kind)
	}
	return cp, nil
}

func decodeTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, corrupt("bad tensor tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, corrupt("bad tensor field %d", num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return w, corrupt("truncated tensor field %d", num)
		}
		b = b[n:]
		switch num {
		case tensorName:
			w.Name = string(v)
		case tensorKind:
			w.Type = string(v)
		case tensorShape:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return w, corrupt("bad shape of %s", w.Name)
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case tensorData:
			if len(v)%4 != 0 {
				return w, corrupt("tensor %s data length %d is not a multiple of 4", w.Name, len(v))
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return w, corrupt("bad data of %s", w.Name)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[n:]
			}
		}
	}
	if w.Name == "" {
		return w, corrupt("tensor without name")
	}
	elems := 1
	for _, d := range w.Shape {
		elems *= d
	}
	if elems != len(w.Data) {
		return w, corrupt("tensor %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}
	return w, nil
}
