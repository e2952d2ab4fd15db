package vectorstore

import (
	"encoding/json"

	"ragcore/internal/types"
)

func marshalCitations(c []types.Citation) ([]byte, error) {
	if c == nil {
		c = []types.Citation{}
	}
	return json.Marshal(c)
}

func unmarshalCitations(b []byte) ([]types.Citation, error) {
	var c []types.Citation
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return c, nil
}
