// Package workbook implements the WorkbookWriter capability: rendering
// one or more Documents into an xlsx workbook for download
// (SPEC_FULL.md §4.6). Grounded on original_source's
// backend/app/services/excel_exporter.py (Data/Metadata/Summary sheet
// triad for a single export, a Combined sheet with per-row provenance
// for batch export, a wide Template sheet plus Template Info for
// template-mode aggregation), reimplemented with excelize since the
// pack has no openpyxl equivalent in Go.
package workbook

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docuvision/docuvision/internal/docvalue"
	"github.com/docuvision/docuvision/internal/metadatastore"
)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const maxColumnWidth = 60.0

// Writer produces xlsx workbooks for the three download modes
// (SPEC_FULL.md §4.1 DownloadSingle/DownloadBatch/DownloadTemplate).
type Writer interface {
	WriteSingle(doc *metadatastore.Document) ([]byte, error)
	WriteBatch(docs []*metadatastore.Document) ([]byte, error)
	WriteTemplate(docs []*metadatastore.Document) ([]byte, error)
}

// ExcelizeWriter implements Writer using github.com/xuri/excelize/v2.
type ExcelizeWriter struct{}

// NewExcelizeWriter creates an ExcelizeWriter.
func NewExcelizeWriter() *ExcelizeWriter {
	return &ExcelizeWriter{}
}

func newWorkbook() (*excelize.File, string) {
	f := excelize.NewFile()
	defaultSheet := f.GetSheetName(0)
	return f, defaultSheet
}

func finalize(f *excelize.File, defaultSheet, activeSheet string) ([]byte, error) {
	if defaultSheet != activeSheet {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			return nil, fmt.Errorf("delete default sheet: %w", err)
		}
	}
	idx, err := f.GetSheetIndex(activeSheet)
	if err != nil {
		return nil, fmt.Errorf("locate active sheet: %w", err)
	}
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#366092"}, Pattern: 1},
	})
}

// WriteSingle produces the Data/Metadata/Summary triad for one
// Completed Document, plus a Data_Detail sheet when any extracted
// field is array-typed: spec.md §4.5 point 4 allows a "long-form"
// sheet that explodes arrays into one row per element (SPEC_FULL.md
// §4.6, Single mode).
func (w *ExcelizeWriter) WriteSingle(doc *metadatastore.Document) ([]byte, error) {
	f, defaultSheet := newWorkbook()

	dataSheet := "Data"
	if err := renameOrCreate(f, defaultSheet, dataSheet); err != nil {
		return nil, err
	}
	if err := writeSingleDataSheet(f, dataSheet, doc); err != nil {
		return nil, err
	}

	metaSheet := "Metadata"
	if _, err := f.NewSheet(metaSheet); err != nil {
		return nil, err
	}
	if err := writeMetadataSheet(f, metaSheet, doc); err != nil {
		return nil, err
	}

	summarySheet := "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	if err := writeSummarySheet(f, summarySheet, doc); err != nil {
		return nil, err
	}

	if hasArrayValues(doc) {
		detailSheet := "Data_Detail"
		if _, err := f.NewSheet(detailSheet); err != nil {
			return nil, err
		}
		if err := writeDataDetailSheet(f, detailSheet, doc); err != nil {
			return nil, err
		}
	}

	return finalize(f, defaultSheet, dataSheet)
}

func hasArrayValues(doc *metadatastore.Document) bool {
	for _, name := range doc.ExtractedFields.SortedNames() {
		if v := doc.ExtractedFields[name]; v.Kind == docvalue.KindArray && len(v.Array) > 0 {
			return true
		}
	}
	return false
}

// writeDataDetailSheet explodes every array-typed field into one row
// per element: Field, Element Index, Value.
func writeDataDetailSheet(f *excelize.File, sheet string, doc *metadatastore.Document) error {
	style, err := headerStyle(f)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "A1", "Field"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "B1", "Element Index"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "C1", "Value"); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "C1", style); err != nil {
		return err
	}

	row := 2
	for _, name := range doc.ExtractedFields.SortedNames() {
		val := doc.ExtractedFields[name]
		if val.Kind != docvalue.KindArray {
			continue
		}
		for i, elem := range val.Array {
			if err := f.SetCellValue(sheet, cellRef(1, row), name); err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cellRef(2, row), i+1); err != nil {
				return err
			}
			if err := setTypedValue(f, sheet, cellRef(3, row), elem); err != nil {
				return err
			}
			row++
		}
	}
	return f.SetColWidth(sheet, "A", "C", 24)
}

func renameOrCreate(f *excelize.File, existing, newName string) error {
	return f.SetSheetName(existing, newName)
}

func writeSingleDataSheet(f *excelize.File, sheet string, doc *metadatastore.Document) error {
	style, err := headerStyle(f)
	if err != nil {
		return err
	}

	if err := f.SetCellValue(sheet, "A1", "Field"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "B1", "Value"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "C1", "Confidence"); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "C1", style); err != nil {
		return err
	}

	row := 2
	maxFieldLen, maxValueLen := len("Field"), len("Value")
	for _, name := range doc.ExtractedFields.SortedNames() {
		val := doc.ExtractedFields[name]
		if err := f.SetCellValue(sheet, cellRef(1, row), name); err != nil {
			return err
		}
		if err := setTypedValue(f, sheet, cellRef(2, row), val); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cellRef(3, row), doc.Confidence[name]); err != nil {
			return err
		}
		if len(name) > maxFieldLen {
			maxFieldLen = len(name)
		}
		if l := len(val.String()); l > maxValueLen {
			maxValueLen = l
		}
		row++
	}

	if err := f.SetColWidth(sheet, "A", "A", capWidth(maxFieldLen)); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "B", "B", capWidth(maxValueLen)); err != nil {
		return err
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeMetadataSheet(f *excelize.File, sheet string, doc *metadatastore.Document) error {
	rows := [][2]interface{}{
		{"Document ID", doc.ID},
		{"Original Filename", doc.OriginalFilename},
		{"Status", string(doc.Status)},
		{"Page Count", doc.PageCount},
		{"Model", doc.Metadata.Model},
		{"Worker", doc.Metadata.WorkerID},
		{"Duration (ms)", doc.Metadata.DurationMS},
		{"Average Confidence", averageConfidence(doc.Confidence)},
	}
	for _, key := range sortedKeys(doc.Metadata.CategoryMeta) {
		rows = append(rows, [2]interface{}{"Category: " + key, doc.Metadata.CategoryMeta[key]})
	}
	for i, r := range rows {
		row := i + 1
		if err := f.SetCellValue(sheet, cellRef(1, row), r[0]); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cellRef(2, row), r[1]); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", "A", 28)
}

func writeSummarySheet(f *excelize.File, sheet string, doc *metadatastore.Document) error {
	if err := f.SetCellValue(sheet, "A1", "Field"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "B1", "Confidence"); err != nil {
		return err
	}
	style, err := headerStyle(f)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "B1", style); err != nil {
		return err
	}

	row := 2
	for _, name := range doc.ExtractedFields.SortedNames() {
		if err := f.SetCellValue(sheet, cellRef(1, row), name); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cellRef(2, row), doc.Confidence[name]); err != nil {
			return err
		}
		row++
	}
	return nil
}

// WriteBatch produces one Data_<id> sheet per Document plus a Combined
// sheet carrying a provenance column (SPEC_FULL.md §4.6, Batch mode).
func (w *ExcelizeWriter) WriteBatch(docs []*metadatastore.Document) ([]byte, error) {
	f, defaultSheet := newWorkbook()

	combinedSheet := "Combined"
	if err := renameOrCreate(f, defaultSheet, combinedSheet); err != nil {
		return nil, err
	}
	if err := writeCombinedSheet(f, combinedSheet, docs); err != nil {
		return nil, err
	}

	for _, doc := range docs {
		sheetName := fmt.Sprintf("Data_%d", doc.ID)
		if _, err := f.NewSheet(sheetName); err != nil {
			return nil, err
		}
		if err := writeSingleDataSheet(f, sheetName, doc); err != nil {
			return nil, err
		}
	}

	return finalize(f, defaultSheet, combinedSheet)
}

func writeCombinedSheet(f *excelize.File, sheet string, docs []*metadatastore.Document) error {
	columns := BuildProjection(docs).Columns

	if err := f.SetCellValue(sheet, "A1", "Document ID"); err != nil {
		return err
	}
	for i, col := range columns {
		if err := f.SetCellValue(sheet, cellRef(i+2, 1), col); err != nil {
			return err
		}
	}
	style, err := headerStyle(f)
	if err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(columns) + 1)
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", style); err != nil {
		return err
	}

	for r, doc := range docs {
		row := r + 2
		if err := f.SetCellValue(sheet, cellRef(1, row), doc.ID); err != nil {
			return err
		}
		for c, col := range columns {
			val, ok := doc.ExtractedFields[col]
			if !ok {
				continue
			}
			if err := setTypedValue(f, sheet, cellRef(c+2, row), val); err != nil {
				return err
			}
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

// WriteTemplate aggregates all Completed Documents into a single wide
// sheet whose columns are the TemplateProjection, plus a Template Info
// sheet documenting the ordering rule and source ids (SPEC_FULL.md
// §4.5, §4.6 Template mode).
func (w *ExcelizeWriter) WriteTemplate(docs []*metadatastore.Document) ([]byte, error) {
	f, defaultSheet := newWorkbook()

	templateSheet := "Template"
	if err := renameOrCreate(f, defaultSheet, templateSheet); err != nil {
		return nil, err
	}

	projection := BuildProjection(docs)
	if err := writeTemplateSheet(f, templateSheet, docs, projection); err != nil {
		return nil, err
	}

	infoSheet := "Template Info"
	if _, err := f.NewSheet(infoSheet); err != nil {
		return nil, err
	}
	if err := writeTemplateInfoSheet(f, infoSheet, docs, projection); err != nil {
		return nil, err
	}

	return finalize(f, defaultSheet, templateSheet)
}

func writeTemplateSheet(f *excelize.File, sheet string, docs []*metadatastore.Document, projection Projection) error {
	if err := f.SetCellValue(sheet, "A1", "Source Document ID"); err != nil {
		return err
	}
	for i, col := range projection.Columns {
		if err := f.SetCellValue(sheet, cellRef(i+2, 1), col); err != nil {
			return err
		}
	}
	style, err := headerStyle(f)
	if err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(projection.Columns) + 1)
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", style); err != nil {
		return err
	}

	for r, doc := range docs {
		row := r + 2
		if err := f.SetCellValue(sheet, cellRef(1, row), doc.ID); err != nil {
			return err
		}
		for c, col := range projection.Columns {
			val, ok := doc.ExtractedFields[col]
			if !ok {
				// Missing column: empty cell, not the "N/A" sentinel
				// (SPEC_FULL.md §4.5 step 3).
				continue
			}
			if err := f.SetCellValue(sheet, cellRef(c+2, row), val.String()); err != nil {
				return err
			}
		}
	}

	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeTemplateInfoSheet(f *excelize.File, sheet string, docs []*metadatastore.Document, projection Projection) error {
	lines := []string{
		"Document Template Information",
		"",
		fmt.Sprintf("Total Documents: %d", len(docs)),
		fmt.Sprintf("Total Fields Detected: %d", len(projection.Columns)),
		fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)),
		"",
		"Column ordering: (first_seen asc, frequency desc, name asc)",
		"",
		"Source Document IDs:",
	}
	for _, doc := range docs {
		lines = append(lines, fmt.Sprintf("- %d (%s)", doc.ID, doc.OriginalFilename))
	}

	for i, line := range lines {
		if err := f.SetCellValue(sheet, cellRef(1, i+1), line); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", "A", maxColumnWidth)
}

func cellRef(col, row int) string {
	name, _ := excelize.ColumnNumberToName(col)
	return fmt.Sprintf("%s%d", name, row)
}

func capWidth(contentLen int) float64 {
	width := float64(contentLen + 2)
	if width > maxColumnWidth {
		return maxColumnWidth
	}
	if width < 10 {
		return 10
	}
	return width
}

func averageConfidence(cs docvalue.ConfidenceSet) float64 {
	if len(cs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range cs {
		sum += v
	}
	return sum / float64(len(cs))
}

// setTypedValue writes val into cell with cell typing per SPEC_FULL.md
// §4.6: numbers as number cells, ISO-8601 dates as date cells, booleans
// as boolean cells, all others as text.
func setTypedValue(f *excelize.File, sheet, cell string, val docvalue.Value) error {
	switch val.Kind {
	case docvalue.KindNumber:
		return f.SetCellValue(sheet, cell, val.Number)
	case docvalue.KindBool:
		return f.SetCellValue(sheet, cell, val.Bool)
	case docvalue.KindDate:
		if t, err := time.Parse("2006-01-02", val.Date); err == nil {
			return f.SetCellValue(sheet, cell, t)
		}
		if t, err := time.Parse(time.RFC3339, val.Date); err == nil {
			return f.SetCellValue(sheet, cell, t)
		}
		return f.SetCellValue(sheet, cell, val.Date)
	default:
		return f.SetCellValue(sheet, cell, val.String())
	}
}

var _ Writer = (*ExcelizeWriter)(nil)
