// Package export materializes point-in-time snapshots of a master-data
// table into XLSX workbooks for offline review and reconciliation.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rpattn/freightmdm/internal/domain"
	"github.com/rpattn/freightmdm/internal/query"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Sheet1"

// Service writes snapshot exports for the registered entity types.
type Service struct {
	queries   map[string]*query.PointInTime
	exportDir string
	now       func() time.Time
}

// Option configures the export service.
type Option func(*Service)

// WithExportDirectory overrides where workbooks are written.
func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an export service over the per-type query layers.
func NewService(queries map[string]*query.PointInTime, opts ...Option) *Service {
	service := &Service{
		queries:   queries,
		exportDir: filepath.Join(os.TempDir(), "freightmdm-exports"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Result describes one written workbook.
type Result struct {
	EntityType string    `json:"entity_type"`
	Instant    time.Time `json:"instant"`
	File       string    `json:"file"`
	Rows       int       `json:"rows"`
}

// ExportActiveAt writes all versions of entityType active at instant into a
// workbook: one row per entity, fixed version columns followed by the
// sorted union of flattened payload fields.
func (s *Service) ExportActiveAt(ctx context.Context, entityType string, instant time.Time) (Result, error) {
	q, ok := s.queries[entityType]
	if !ok {
		return Result{}, domain.NotFoundf("entity type %q", entityType)
	}

	records, err := q.ActiveAt(ctx, instant)
	if err != nil {
		return Result{}, err
	}

	flattened := make([]map[string]any, len(records))
	fieldSet := map[string]struct{}{}
	for i, record := range records {
		flat, flattenErr := domain.FlattenPayload(record.Payload)
		if flattenErr != nil {
			return Result{}, fmt.Errorf("failed to flatten payload for entity %s: %w", record.EntityID, flattenErr)
		}
		flattened[i] = flat
		for field := range flat {
			fieldSet[field] = struct{}{}
		}
	}

	fields := make([]string, 0, len(fieldSet))
	for field := range fieldSet {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	headers := append([]string{"entity_id", "version_id", "effective_from", "effective_to"}, fields...)

	file := excelize.NewFile()
	defer file.Close()

	for col, header := range headers {
		cell, cellErr := excelize.CoordinatesToCellName(col+1, 1)
		if cellErr != nil {
			return Result{}, fmt.Errorf("failed to compute header cell: %w", cellErr)
		}
		if setErr := file.SetCellValue(sheetName, cell, header); setErr != nil {
			return Result{}, fmt.Errorf("failed to write header: %w", setErr)
		}
	}

	for i, record := range records {
		row := i + 2
		values := []any{
			record.EntityID.String(),
			record.VersionID.String(),
			record.EffectiveFrom.UTC().Format(time.RFC3339),
			"",
		}
		if record.EffectiveTo != nil {
			values[3] = record.EffectiveTo.UTC().Format(time.RFC3339)
		}
		for _, field := range fields {
			values = append(values, cellValue(flattened[i][field]))
		}
		for col, value := range values {
			cell, cellErr := excelize.CoordinatesToCellName(col+1, row)
			if cellErr != nil {
				return Result{}, fmt.Errorf("failed to compute cell: %w", cellErr)
			}
			if setErr := file.SetCellValue(sheetName, cell, value); setErr != nil {
				return Result{}, fmt.Errorf("failed to write row %d: %w", row, setErr)
			}
		}
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	fileName := fmt.Sprintf("%s_%s_%d.xlsx",
		entityType,
		instant.UTC().Format("20060102T150405Z"),
		s.now().UnixNano(),
	)
	path := filepath.Join(s.exportDir, fileName)
	if err := file.SaveAs(path); err != nil {
		return Result{}, fmt.Errorf("failed to save workbook: %w", err)
	}

	return Result{
		EntityType: entityType,
		Instant:    instant,
		File:       path,
		Rows:       len(records),
	}, nil
}

func cellValue(value any) any {
	switch typed := value.(type) {
	case nil:
		return ""
	case map[string]any:
		return "{}"
	case []any:
		return "[]"
	case bool, string, float64, int, int64:
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}
