package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/markymo/compass-sub003/internal/model"
)

func encodeValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: encode value")
	}
	return string(data), nil
}

// encodeOptional returns nil for a nil value so the column stays NULL.
func encodeOptional(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, eris.Wrap(err, "store: decode value")
	}
	return normalizeValue(v), nil
}

// normalizeValue turns decoded string arrays back into []string, the Go type
// used for group values.
func normalizeValue(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]string, len(arr))
	for i, it := range arr {
		s, ok := it.(string)
		if !ok {
			return v
		}
		out[i] = s
	}
	return out
}

func encodeFieldValue(fv *model.FieldValue) (*string, error) {
	if fv == nil {
		return nil, nil
	}
	data, err := json.Marshal(fv)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode field value")
	}
	s := string(data)
	return &s, nil
}

func decodeFieldValue(data []byte) (*model.FieldValue, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var fv model.FieldValue
	if err := json.Unmarshal(data, &fv); err != nil {
		return nil, eris.Wrap(err, "store: decode field value")
	}
	fv.Value = normalizeValue(fv.Value)
	return &fv, nil
}

func encodeProvenance(prov model.ProvenanceMetadata) (string, error) {
	data, err := model.EncodeProvenance(prov)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeProvenance tolerates fields written without provenance; their
// zero-value metadata ranks below every source.
func decodeProvenance(data []byte) (model.ProvenanceMetadata, error) {
	if len(data) == 0 {
		return model.ProvenanceMetadata{}, nil
	}
	return model.DecodeProvenance(data)
}
