package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"

	"adchain/settlement"
)

var historyHeader = []string{
	"id", "tenant", "segment", "campaign", "events", "views", "clicks", "reach",
	"excluded_unverified", "excluded_low_trust", "start_hash", "tail_hash",
	"content_address", "tx_hash", "block", "success", "off_chain", "reason", "trigger", "timestamp",
}

// HistoryCSV builds a CSV export for the supplied batch records and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func HistoryCSV(records []settlement.BatchRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(historyHeader); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.Tenant,
			strconv.FormatUint(rec.SegmentIndex, 10),
			rec.CampaignID,
			strconv.Itoa(rec.EventCount),
			strconv.FormatUint(rec.Views, 10),
			strconv.FormatUint(rec.Clicks, 10),
			strconv.Itoa(rec.Reach),
			strconv.Itoa(rec.ExcludedUnverified),
			strconv.Itoa(rec.ExcludedLowTrust),
			rec.StartHash.Hex(),
			rec.TailHash.Hex(),
			rec.ContentAddress,
			txHash(rec),
			blockNumber(rec),
			strconv.FormatBool(rec.Success),
			strconv.FormatBool(rec.OffChain),
			rec.Reason,
			string(rec.Trigger),
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func txHash(rec settlement.BatchRecord) string {
	if rec.TxHash == nil {
		return ""
	}
	return *rec.TxHash
}

func blockNumber(rec settlement.BatchRecord) string {
	if rec.BlockNumber == nil {
		return ""
	}
	return strconv.FormatUint(*rec.BlockNumber, 10)
}
