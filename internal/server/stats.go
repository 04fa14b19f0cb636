package server

import (
	"encoding/json"

	"github.com/kvasir-db/copnode/internal/types"
)

func encodeStats(s *types.Stats) ([]byte, error) {
	return json.Marshal(s)
}
