package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FormatImporter turns the content of one format into an envelope. Import
// must not panic or return a nil envelope; the dispatcher still guards
// against both.
type FormatImporter interface {
	Format() Format
	Import(ctx context.Context, content string, opts Options, run Run) *ImportStructure
}

// Importers holds one importer per supported format. A nil field makes that
// format answer NO_SERVICE_AVAILABLE.
type Importers struct {
	CSV    FormatImporter
	JSON   FormatImporter
	HL7    FormatImporter
	Survey FormatImporter
}

func (im Importers) forFormat(f Format) FormatImporter {
	switch f {
	case FormatCSV:
		return im.CSV
	case FormatJSON:
		return im.JSON
	case FormatHL7:
		return im.HL7
	case FormatHTML:
		return im.Survey
	}
	return nil
}

// NewImporters builds the four importers over shared services.
func NewImporters(svc Services) Importers {
	return Importers{
		CSV:    NewCSVImporter(svc),
		JSON:   NewJSONImporter(svc),
		HL7:    NewHL7Importer(svc),
		Survey: NewSurveyImporter(svc),
	}
}

// DispatcherConfig holds dispatcher defaults.
type DispatcherConfig struct {
	MaxFileSize  int64
	DefaultLimit int
	SourceSystem string
}

// DefaultMaxFileSize is used when DispatcherConfig.MaxFileSize is unset.
const DefaultMaxFileSize = 10 << 20

// Dispatcher validates, detects and routes import files.
type Dispatcher struct {
	importers Importers
	cfg       DispatcherConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(importers Importers, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.SourceSystem == "" {
		cfg.SourceSystem = "IMPORT"
	}
	return &Dispatcher{
		importers: importers,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the dispatcher's time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// ImportFile validates content, detects its format and runs the matching
// importer. It always returns a complete envelope.
func (d *Dispatcher) ImportFile(ctx context.Context, content, filename string, opts Options) (result *ImportStructure) {
	run := Run{
		ImportID:  uuid.New().String(),
		Filename:  filename,
		FileSize:  int64(len(content)),
		StartedAt: d.now(),
	}
	log := d.logger.With().Str("import_id", run.ImportID).Str("filename", filename).Logger()
	log.Info().Int64("size", run.FileSize).Msg("import started")

	format := FormatNone
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("format", string(format)).Msg("import failed")
			result = d.failure(run, format, CodeImportFailed, "Import failed", fmt.Sprint(r))
		}
		result.Metadata.ProcessingTimeMs = d.now().Sub(run.StartedAt).Milliseconds()
		log.Info().
			Str("format", string(format)).
			Bool("success", result.Success).
			Int("patients", result.Metadata.PatientCount).
			Int("visits", result.Metadata.VisitCount).
			Int("observations", result.Metadata.ObservationCount).
			Int("errors", len(result.Errors)).
			Int("warnings", len(result.Warnings)).
			Int64("duration_ms", result.Metadata.ProcessingTimeMs).
			Msg("import finished")
	}()

	if errs := d.precheck(run, content, filename, opts); len(errs) > 0 {
		return d.envelope(run, FormatNone, errs)
	}

	format = Detect(content, filename)
	if format == FormatNone {
		return d.failure(run, format, CodeUnsupportedFormat,
			fmt.Sprintf("Unsupported or unrecognised file format: %s", filename), "")
	}
	log.Debug().Str("format", string(format)).Msg("format detected")

	importer := d.importers.forFormat(format)
	if importer == nil {
		return d.failure(run, format, CodeNoServiceAvailable,
			fmt.Sprintf("No importer available for format %s", format), "")
	}

	res := importer.Import(ctx, content, d.resolve(format, opts), run)
	if res == nil {
		return d.failure(run, format, CodeImportFailed, "Import failed", "importer returned no result")
	}
	res.Metadata.ImportID = run.ImportID
	res.Metadata.Filename = filename
	res.Metadata.Format = format
	res.Metadata.FileSize = run.FileSize
	res.finalize()
	return res
}

// AnalyzeFile performs the pre-flight checks of ImportFile without parsing.
func (d *Dispatcher) AnalyzeFile(content, filename string, opts Options) *Analysis {
	run := Run{Filename: filename, FileSize: int64(len(content)), StartedAt: d.now()}
	a := &Analysis{FileSize: run.FileSize, Errors: []ImportError{}}
	if errs := d.precheck(run, content, filename, opts); len(errs) > 0 {
		a.Errors = errs
		return a
	}
	a.Format = Detect(content, filename)
	if a.Format == FormatNone {
		a.Errors = append(a.Errors, d.issue(CodeUnsupportedFormat,
			fmt.Sprintf("Unsupported or unrecognised file format: %s", filename), ""))
		return a
	}
	a.Valid = true
	a.EstimatedProcessingTimeMs = estimateProcessingTime(a.Format, a.FileSize)
	return a
}

// precheck validates content, filename and size.
func (d *Dispatcher) precheck(run Run, content, filename string, opts Options) []ImportError {
	var errs []ImportError
	if strings.TrimSpace(content) == "" {
		errs = append(errs, d.issue(CodeInvalidContent, "File content is empty", ""))
	}
	if strings.TrimSpace(filename) == "" {
		errs = append(errs, d.issue(CodeInvalidFilename, "Filename is required", ""))
	}
	if len(errs) > 0 {
		return errs
	}
	maxSize := d.cfg.MaxFileSize
	if opts.MaxSize > 0 {
		maxSize = opts.MaxSize
	}
	if !ValidateSize(content, maxSize) {
		errs = append(errs, d.issue(CodeFileTooLarge,
			fmt.Sprintf("File is %d bytes, the maximum is %d bytes", run.FileSize, maxSize), ""))
	}
	return errs
}

// resolve applies dispatcher defaults to caller options.
func (d *Dispatcher) resolve(format Format, opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = d.cfg.DefaultLimit
	}
	if opts.Context.SourceSystem == "" {
		opts.Context.SourceSystem = d.cfg.SourceSystem + "_" + strings.ToUpper(string(format))
	}
	if opts.Context.ProviderID == "" {
		opts.Context.ProviderID = defaultProviderID
	}
	return opts
}

func (d *Dispatcher) issue(code, message, details string) ImportError {
	return ImportError{
		Code:      code,
		Message:   message,
		Details:   details,
		Severity:  SeverityError,
		Timestamp: d.now().UTC(),
	}
}

func (d *Dispatcher) failure(run Run, format Format, code, message, details string) *ImportStructure {
	return d.envelope(run, format, []ImportError{d.issue(code, message, details)})
}

func (d *Dispatcher) envelope(run Run, format Format, errs []ImportError) *ImportStructure {
	s := &ImportStructure{
		Errors:   errs,
		Warnings: []ImportWarning{},
		Metadata: ImportMetadata{
			ImportID:   run.ImportID,
			Filename:   run.Filename,
			Format:     format,
			FileSize:   run.FileSize,
			ImportedAt: d.now().UTC(),
		},
	}
	s.finalize()
	return s
}

// bytes per millisecond, measured on typical exports
var throughput = map[Format]int64{
	FormatCSV:  2000,
	FormatJSON: 1500,
	FormatHL7:  500,
	FormatHTML: 400,
}

const baseProcessingTimeMs = 50

func estimateProcessingTime(f Format, size int64) int64 {
	rate, ok := throughput[f]
	if !ok || rate <= 0 {
		rate = 1000
	}
	return baseProcessingTimeMs + size/rate
}
