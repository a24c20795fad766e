package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"adchain/settlement"
)

// HistoryJSONL builds a JSON Lines export for the supplied batch records and
// returns the serialised payload alongside a checksum.
func HistoryJSONL(records []settlement.BatchRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
