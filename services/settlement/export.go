package settlement

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Report lists the files written by Export.
type Report struct {
	Rows        int
	CSVPath     string
	ParquetPath string
}

var reportHeader = []string{
	"settlement_id", "deal_id", "kind", "status", "receipt_hash", "released", "beneficiary_account",
	"beneficiary_credit", "platform_fee", "referral_total", "referral_count", "created_at", "updated_at",
}

// Export writes every settlement created in [start, end) to dir as CSV and
// Parquet. Files are named after the window.
func (b *Books) Export(ctx context.Context, start, end time.Time, dir string) (*Report, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("settlement: export window end must follow start")
	}
	var rows []Settlement
	if err := b.db.WithContext(ctx).Preload("Referrals").
		Where("created_at >= ? AND created_at < ?", start.UTC(), end.UTC()).
		Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("settlement: create export dir: %w", err)
	}
	name := fmt.Sprintf("settlements_%s_%s", start.UTC().Format("20060102T150405"), end.UTC().Format("20060102T150405"))
	report := &Report{
		Rows:        len(rows),
		CSVPath:     filepath.Join(dir, name+".csv"),
		ParquetPath: filepath.Join(dir, name+".parquet"),
	}
	if err := writeCSV(report.CSVPath, rows); err != nil {
		return nil, err
	}
	if err := writeParquet(report.ParquetPath, rows); err != nil {
		return nil, err
	}
	b.logger.Info("settlement report written", "rows", len(rows), "csv", report.CSVPath, "parquet", report.ParquetPath)
	return report, nil
}

func writeCSV(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("settlement: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID.String(),
			row.DealID,
			string(row.Kind),
			string(row.Status),
			row.ReceiptHash,
			row.Released,
			row.BeneficiaryAccount,
			row.BeneficiaryCredit,
			row.PlatformFee,
			row.ReferralTotal,
			strconv.Itoa(len(row.Referrals)),
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("settlement: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("settlement: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	SettlementID       string `parquet:"name=settlement_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	DealID             string `parquet:"name=deal_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Kind               string `parquet:"name=kind, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Status             string `parquet:"name=status, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ReceiptHash        string `parquet:"name=receipt_hash, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Released           string `parquet:"name=released, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BeneficiaryAccount string `parquet:"name=beneficiary_account, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BeneficiaryCredit  string `parquet:"name=beneficiary_credit, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PlatformFee        string `parquet:"name=platform_fee, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ReferralTotal      string `parquet:"name=referral_total, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ReferralCount      int32  `parquet:"name=referral_count, type=INT32"`
	Compensated        bool   `parquet:"name=compensated, type=BOOLEAN"`
	CreatedAt          string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
	UpdatedAt          string `parquet:"name=updated_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func writeParquet(path string, rows []Settlement) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("settlement: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			SettlementID:       row.ID.String(),
			DealID:             row.DealID,
			Kind:               string(row.Kind),
			Status:             string(row.Status),
			ReceiptHash:        row.ReceiptHash,
			Released:           row.Released,
			BeneficiaryAccount: row.BeneficiaryAccount,
			BeneficiaryCredit:  row.BeneficiaryCredit,
			PlatformFee:        row.PlatformFee,
			ReferralTotal:      row.ReferralTotal,
			ReferralCount:      int32(len(row.Referrals)),
			Compensated:        row.Status == StatusCompensated,
			CreatedAt:          row.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:          row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("settlement: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("settlement: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("settlement: close parquet file: %w", err)
	}
	return nil
}
