package checkpoints

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/c2h5oh/datasize"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SaveRecord writes a hyperparameter record as a flat key -> scalar JSON object.
// v is any struct with JSON tags whose fields are strings, numbers or booleans.
func SaveRecord(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("record must be a JSON object: %w", err)
	}
	for key, value := range fields {
		switch value.(type) {
		case string, float64, bool, nil:
		default:
			return fmt.Errorf("record field %s is not a scalar", key)
		}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	log.Printf("Saved record %s (%s)", path, datasize.ByteSize(len(data)).HumanReadable())
	return nil
}

// LoadRecord reads a record written by SaveRecord into v
func LoadRecord(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open record: %w", err)
	}
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrCorruptCheckpoint, err)
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrCorruptCheckpoint, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrCorruptCheckpoint, err)
	}
	return nil
}
