package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// RoundPrefix is the key prefix of archived round files.
const RoundPrefix = "archive/rounds/"

const ndjson = "application/x-ndjson"

// SettledRoundLister is the slice of domain.RoundStore the archiver reads.
type SettledRoundLister interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Round, error)
}

// multipartPutter is implemented by Writer; large days go through it.
type multipartPutter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// Archiver implements domain.Archiver. Settled rounds are grouped by the UTC
// day they settled on and each day is written once to
// archive/rounds/YYYY-MM-DD.jsonl. Rows are not deleted from the store.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	rounds SettledRoundLister
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, rounds SettledRoundLister,
	audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		rounds: rounds,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveRounds exports every complete UTC day strictly before the day of
// the cutoff that has not been archived yet. On error the report covers the
// days written before it.
func (a *Archiver) ArchiveRounds(ctx context.Context, before time.Time) (domain.ArchiveReport, error) {
	var report domain.ArchiveReport
	cutoff := before.UTC().Truncate(24 * time.Hour)
	rounds, err := a.rounds.ListSettledBefore(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("s3blob: archive rounds query: %w", err)
	}

	var (
		days  []string
		byDay = map[string][]domain.Round{}
	)
	for _, r := range rounds {
		day := domain.ArchiveDay(r.SettledAt)
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], r)
	}

	for _, day := range days {
		path := ArchivePath(day)
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return report, fmt.Errorf("s3blob: archive rounds: %w", err)
		}
		if exists {
			report.Existing++
			continue
		}
		n, err := a.writeDay(ctx, path, byDay[day])
		if err != nil {
			return report, err
		}
		report.Days = append(report.Days, day)
		report.Rounds += n
		a.logger.InfoContext(ctx, "archived rounds",
			slog.String("path", path),
			slog.Int64("count", n),
		)
	}
	return report, nil
}

func (a *Archiver) writeDay(ctx context.Context, path string, rounds []domain.Round) (int64, error) {
	records := make([]roundRecord, len(rounds))
	for i, r := range rounds {
		records[i] = newRoundRecord(r)
	}
	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds marshal: %w", err)
	}

	if mp, ok := a.writer.(multipartPutter); ok && int64(len(buf)) > minPartSize {
		err = mp.PutMultipart(ctx, path, bytes.NewReader(buf), ndjson, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), ndjson)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive rounds upload: %w", err)
	}

	count := int64(len(rounds))
	if err := a.audit.Log(ctx, domain.AuditEntry{
		Event: domain.AuditRoundsArchived,
		Actor: "archiver",
		Detail: map[string]any{
			"path":        path,
			"count":       count,
			"first_round": rounds[0].ID,
			"last_round":  rounds[len(rounds)-1].ID,
		},
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive rounds audit log: %w", err)
	}
	return count, nil
}

// ArchivePath returns the object key of the archive for a UTC day
// formatted as YYYY-MM-DD.
func ArchivePath(day string) string {
	return RoundPrefix + day + ".jsonl"
}

// roundRecord is one archived line. Amounts are decimal wei strings.
type roundRecord struct {
	ID               uint64      `json:"id"`
	StartTime        time.Time   `json:"start_time"`
	EndTime          time.Time   `json:"end_time"`
	StartPrice       int64       `json:"start_price"`
	FinalPrice       int64       `json:"final_price"`
	TotalPot         string      `json:"total_pot"`
	ThresholdBps     uint64      `json:"threshold_bps"`
	VolatilityBps    uint64      `json:"volatility_bps"`
	MoreVolatileWon  bool        `json:"more_volatile_won"`
	ProtocolTake     string      `json:"protocol_take"`
	SettledAt        time.Time   `json:"settled_at"`
	Bets             []betRecord `json:"bets"`
}

type betRecord struct {
	Bettor              string    `json:"bettor"`
	PredictMoreVolatile bool      `json:"predict_more_volatile"`
	Wager               string    `json:"wager"`
	Timestamp           time.Time `json:"timestamp"`
}

func newRoundRecord(r domain.Round) roundRecord {
	rec := roundRecord{
		ID:              r.ID,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		StartPrice:      r.StartPrice,
		FinalPrice:      r.FinalPrice,
		TotalPot:        r.TotalPot.Dec(),
		ThresholdBps:    r.Threshold,
		VolatilityBps:   r.VolatilityBps,
		MoreVolatileWon: r.MoreVolatileWon,
		ProtocolTake:    r.ProtocolTake.Dec(),
		SettledAt:       r.SettledAt,
		Bets:            make([]betRecord, len(r.Bets)),
	}
	for i, b := range r.Bets {
		rec.Bets[i] = betRecord{
			Bettor:              b.Bettor,
			PredictMoreVolatile: b.PredictMoreVolatile,
			Wager:               b.Wager.Dec(),
			Timestamp:           b.Timestamp,
		}
	}
	return rec
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
