package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"adchain/settlement"
)

type historyRow struct {
	ID                 string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Tenant             string `parquet:"name=tenant, type=BYTE_ARRAY, convertedtype=UTF8"`
	SegmentIndex       int64  `parquet:"name=segment, type=INT64"`
	CampaignID         string `parquet:"name=campaign, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventCount         int64  `parquet:"name=events, type=INT64"`
	Views              int64  `parquet:"name=views, type=INT64"`
	Clicks             int64  `parquet:"name=clicks, type=INT64"`
	Reach              int64  `parquet:"name=reach, type=INT64"`
	ExcludedUnverified int64  `parquet:"name=excluded_unverified, type=INT64"`
	ExcludedLowTrust   int64  `parquet:"name=excluded_low_trust, type=INT64"`
	StartHash          string `parquet:"name=start_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	TailHash           string `parquet:"name=tail_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContentAddress     string `parquet:"name=content_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash             string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber        int64  `parquet:"name=block, type=INT64"`
	Success            bool   `parquet:"name=success, type=BOOLEAN"`
	OffChain           bool   `parquet:"name=off_chain, type=BOOLEAN"`
	Reason             string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Trigger            string `parquet:"name=trigger, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp          string `parquet:"name=timestamp, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// HistoryParquet builds a Snappy-compressed Parquet export for the supplied
// batch records and returns the file bytes alongside a checksum.
func HistoryParquet(records []settlement.BatchRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(buffer), new(historyRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		row := &historyRow{
			ID:                 rec.ID,
			Tenant:             rec.Tenant,
			SegmentIndex:       int64(rec.SegmentIndex),
			CampaignID:         rec.CampaignID,
			EventCount:         int64(rec.EventCount),
			Views:              int64(rec.Views),
			Clicks:             int64(rec.Clicks),
			Reach:              int64(rec.Reach),
			ExcludedUnverified: int64(rec.ExcludedUnverified),
			ExcludedLowTrust:   int64(rec.ExcludedLowTrust),
			StartHash:          rec.StartHash.Hex(),
			TailHash:           rec.TailHash.Hex(),
			ContentAddress:     rec.ContentAddress,
			TxHash:             txHash(rec),
			Success:            rec.Success,
			OffChain:           rec.OffChain,
			Reason:             rec.Reason,
			Trigger:            string(rec.Trigger),
			Timestamp:          rec.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if rec.BlockNumber != nil {
			row.BlockNumber = int64(*rec.BlockNumber)
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
