package freshness

import (
	"encoding/json"
	"time"

	"github.com/saiset-co/sai-portal/types"
	"github.com/saiset-co/sai-portal/utils"
)

// Record is the single stored value per key. Payload and capture time are
// written together so a reader never sees one without the other.
type Record struct {
	Key        string          `json:"key"`
	Locale     string          `json:"locale"`
	CapturedAt int64           `json:"captured_at"`
	Tag        int64           `json:"tag"`
	Payload    json.RawMessage `json:"payload"`
}

func (r *Record) Captured() time.Time {
	return time.UnixMilli(r.CapturedAt)
}

func encodeRecord(r *Record) ([]byte, error) {
	return utils.Marshal(r)
}

// decodeRecord rejects records without a usable timestamp or payload.
func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := utils.Unmarshal(data, &r); err != nil {
		return nil, types.Errorf(types.ErrRecordCorrupted, "%v", err)
	}
	if r.CapturedAt <= 0 {
		return nil, types.Errorf(types.ErrRecordCorrupted, "missing capture time")
	}
	if len(r.Payload) == 0 {
		return nil, types.Errorf(types.ErrRecordCorrupted, "missing payload")
	}
	return &r, nil
}
