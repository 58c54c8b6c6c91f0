package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/techno-archive/enrich-cli/internal/model"
	"github.com/techno-archive/enrich-cli/internal/resilience"
)

// exportColumns is the flat row layout shared by CSV and XLSX output.
var exportColumns = []string{
	"Task",
	"Entity Type",
	"Entity ID",
	"Kind",
	"Confidence",
	"Consensus",
	"Generated",
	"Fields",
	"Source Refs",
	"Updated At",
}

// export dumps extracted records as flat rows, optionally filtered by task
// and entity type. With a path param the rows are written to a CSV or XLSX
// file; without one they come back in the response. No domain mutation,
// audit row only.
func (r *Runner) export(ctx context.Context, params map[string]any) (model.Stats, any, error) {
	var stats model.Stats

	task := stringParam(params, "task")
	entityType := model.EntityType(stringParam(params, "entity_type"))
	if entityType != "" && !entityType.Valid() {
		return stats, nil, &resilience.BadRequestError{Msg: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	if task != "" {
		if _, ok := r.tasks.Get(task); !ok {
			return stats, nil, &resilience.BadRequestError{Msg: fmt.Sprintf("unknown task %q", task)}
		}
	}

	records, err := r.store.ExportRecords(ctx, task, entityType)
	if err != nil {
		return stats, nil, err
	}
	stats.Processed = len(records)

	var result any
	if path := stringParam(params, "path"); path != "" {
		if strings.HasSuffix(path, ".xlsx") {
			err = writeXLSX(path, records)
		} else {
			err = writeCSVFile(path, records)
		}
		if err != nil {
			return stats, nil, err
		}
		result = map[string]any{"path": path, "rows": len(records)}
	} else {
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, exportRow(rec))
		}
		result = map[string]any{"columns": exportColumns, "rows": rows}
	}

	if err := r.store.AppendAudit(ctx, &model.AuditEntry{
		Action:           ActionExport,
		EntityType:       entityType,
		ExtractedSummary: fmt.Sprintf("exported %d records (task=%q)", len(records), task),
	}); err != nil {
		zap.L().Warn("pipeline: export audit write failed", zap.Error(err))
	}
	return stats, result, nil
}

func exportRow(rec model.ExtractedRecord) []string {
	fields, _ := json.Marshal(rec.Fields)
	return []string{
		rec.Task,
		string(rec.EntityType),
		rec.EntityID,
		rec.Kind,
		fmt.Sprintf("%d", rec.ConfidenceScore),
		fmt.Sprintf("%t", rec.Consensus),
		fmt.Sprintf("%t", rec.Generated),
		string(fields),
		strings.Join(rec.SourceRefs, " "),
		rec.UpdatedAt.Format(time.RFC3339),
	}
}

func writeCSVFile(path string, records []model.ExtractedRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "export: create csv file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(exportColumns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, rec := range records {
		if err := w.Write(exportRow(rec)); err != nil {
			return eris.Wrapf(err, "export: write csv row for %s", rec.EntityID)
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "export: flush csv")
}

func writeXLSX(path string, records []model.ExtractedRecord) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("records")
	if err != nil {
		return eris.Wrap(err, "export: add xlsx sheet")
	}

	header := sheet.AddRow()
	for _, col := range exportColumns {
		header.AddCell().SetString(col)
	}
	for _, rec := range records {
		row := sheet.AddRow()
		for _, cell := range exportRow(rec) {
			row.AddCell().SetString(cell)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save xlsx")
	}
	return nil
}
