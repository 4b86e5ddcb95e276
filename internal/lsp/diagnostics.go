package lsp

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Diagnostic owners. Each owner replaces only its own diagnostics for a file.
const (
	// OwnerServer holds diagnostics published by the language server.
	OwnerServer = "server"

	// OwnerCompiler holds diagnostics parsed from compiler output.
	OwnerCompiler = "compiler"
)

// FileDiagnostics holds diagnostics for a single file with metadata.
type FileDiagnostics struct {
	URI         DocumentURI
	Path        string
	Diagnostics []Diagnostic
	UpdatedAt   time.Time

	// Version is the document version the server published for, if any.
	Version int

	// Aggregated counts by severity
	ErrorCount   int
	WarningCount int
	InfoCount    int
	HintCount    int
}

// DiagnosticsHandler is called after the diagnostics of a file change.
type DiagnosticsHandler func(uri DocumentURI, diagnostics []Diagnostic)

// DiagnosticsStore keeps the latest diagnostics per file and owner.
//
// Thread Safety: DiagnosticsStore is safe for concurrent use. Handlers run
// without the store lock held.
type DiagnosticsStore struct {
	mu       sync.RWMutex
	files    map[DocumentURI]map[string]*FileDiagnostics
	handlers []DiagnosticsHandler
}

// NewDiagnosticsStore creates an empty store.
func NewDiagnosticsStore() *DiagnosticsStore {
	return &DiagnosticsStore{
		files: make(map[DocumentURI]map[string]*FileDiagnostics),
	}
}

// OnChange registers a handler called with the merged diagnostics of a file
// whenever they change.
func (ds *DiagnosticsStore) OnChange(handler DiagnosticsHandler) {
	ds.mu.Lock()
	ds.handlers = append(ds.handlers, handler)
	ds.mu.Unlock()
}

// Publish replaces owner's diagnostics for uri. An empty list clears them.
func (ds *DiagnosticsStore) Publish(owner string, uri DocumentURI, version int, diagnostics []Diagnostic) {
	sorted := slices.Clone(diagnostics)
	sortByPosition(sorted)

	ds.mu.Lock()
	owners := ds.files[uri]
	if len(sorted) == 0 {
		delete(owners, owner)
		if len(owners) == 0 {
			delete(ds.files, uri)
		}
	} else {
		if owners == nil {
			owners = make(map[string]*FileDiagnostics)
			ds.files[uri] = owners
		}
		owners[owner] = newFileDiagnostics(uri, version, sorted)
	}
	merged := ds.mergedLocked(uri)
	handlers := slices.Clone(ds.handlers)
	ds.mu.Unlock()

	for _, h := range handlers {
		h(uri, merged)
	}
}

func newFileDiagnostics(uri DocumentURI, version int, diagnostics []Diagnostic) *FileDiagnostics {
	fd := &FileDiagnostics{
		URI:         uri,
		Path:        URIToFilePath(uri),
		Diagnostics: diagnostics,
		UpdatedAt:   time.Now(),
		Version:     version,
	}
	for _, d := range diagnostics {
		switch d.Severity {
		case DiagnosticSeverityError:
			fd.ErrorCount++
		case DiagnosticSeverityWarning:
			fd.WarningCount++
		case DiagnosticSeverityInformation:
			fd.InfoCount++
		case DiagnosticSeverityHint:
			fd.HintCount++
		}
	}
	return fd
}

// mergedLocked returns the diagnostics of every owner for uri (must hold mu).
func (ds *DiagnosticsStore) mergedLocked(uri DocumentURI) []Diagnostic {
	owners := ds.files[uri]
	if len(owners) == 0 {
		return nil
	}

	names := make([]string, 0, len(owners))
	for name := range owners {
		names = append(names, name)
	}
	sort.Strings(names)

	var merged []Diagnostic
	for _, name := range names {
		merged = append(merged, owners[name].Diagnostics...)
	}
	sortByPosition(merged)
	return merged
}

// Get returns the diagnostics for a file from every owner.
func (ds *DiagnosticsStore) Get(path string) []Diagnostic {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.mergedLocked(FilePathToURI(path))
}

// GetURI is Get keyed by URI.
func (ds *DiagnosticsStore) GetURI(uri DocumentURI) []Diagnostic {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.mergedLocked(uri)
}

// AtPosition returns the diagnostics of a file whose range contains pos.
func (ds *DiagnosticsStore) AtPosition(path string, pos Position) []Diagnostic {
	var result []Diagnostic
	for _, d := range ds.Get(path) {
		if IsPositionInRange(pos, d.Range) {
			result = append(result, d)
		}
	}
	return result
}

// All returns the merged diagnostics of every file keyed by path.
func (ds *DiagnosticsStore) All() map[string][]Diagnostic {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	result := make(map[string][]Diagnostic, len(ds.files))
	for uri := range ds.files {
		result[URIToFilePath(uri)] = ds.mergedLocked(uri)
	}
	return result
}

// DiagnosticSummary provides an overview of all diagnostics.
type DiagnosticSummary struct {
	TotalFiles   int
	TotalErrors  int
	TotalWarns   int
	TotalInfos   int
	TotalHints   int
	FilesWithErr int
}

// Summary returns an overall diagnostic summary.
func (ds *DiagnosticsStore) Summary() DiagnosticSummary {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	summary := DiagnosticSummary{TotalFiles: len(ds.files)}
	for _, owners := range ds.files {
		errs := 0
		for _, fd := range owners {
			errs += fd.ErrorCount
			summary.TotalWarns += fd.WarningCount
			summary.TotalInfos += fd.InfoCount
			summary.TotalHints += fd.HintCount
		}
		summary.TotalErrors += errs
		if errs > 0 {
			summary.FilesWithErr++
		}
	}
	return summary
}

// Clear removes all diagnostics of owner, or of every owner when owner is empty.
func (ds *DiagnosticsStore) Clear(owner string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if owner == "" {
		ds.files = make(map[DocumentURI]map[string]*FileDiagnostics)
		return
	}
	for uri, owners := range ds.files {
		delete(owners, owner)
		if len(owners) == 0 {
			delete(ds.files, uri)
		}
	}
}

func sortByPosition(diagnostics []Diagnostic) {
	sort.SliceStable(diagnostics, func(i, j int) bool {
		return ComparePositions(diagnostics[i].Range.Start, diagnostics[j].Range.Start) < 0
	})
}

// DiagnosticSeverityIcon returns a single character icon for severity.
func DiagnosticSeverityIcon(severity DiagnosticSeverity) string {
	switch severity {
	case DiagnosticSeverityError:
		return "E"
	case DiagnosticSeverityWarning:
		return "W"
	case DiagnosticSeverityInformation:
		return "I"
	case DiagnosticSeverityHint:
		return "H"
	default:
		return "?"
	}
}

// FormatDiagnostic formats a diagnostic for display.
func FormatDiagnostic(d Diagnostic) string {
	var sb strings.Builder

	sb.WriteString(DiagnosticSeverityIcon(d.Severity))
	sb.WriteString(" ")

	if d.Source != "" {
		sb.WriteString("[")
		sb.WriteString(d.Source)
		sb.WriteString("] ")
	}

	sb.WriteString(d.Message)

	if d.Code != nil {
		sb.WriteString(" (")
		switch v := d.Code.(type) {
		case string:
			sb.WriteString(v)
		case float64:
			// JSON numbers decode as float64
			sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			sb.WriteString(strconv.Itoa(v))
		default:
			sb.WriteString(fmt.Sprint(v))
		}
		sb.WriteString(")")
	}

	return sb.String()
}

// FormatDiagnosticWithLocation formats a diagnostic with a 1-based file location.
func FormatDiagnosticWithLocation(path string, d Diagnostic) string {
	return fmt.Sprintf("%s:%d:%d: %s",
		path,
		d.Range.Start.Line+1,
		d.Range.Start.Character+1,
		FormatDiagnostic(d),
	)
}

// SortDiagnosticsBySeverity sorts diagnostics with errors first.
func SortDiagnosticsBySeverity(diagnostics []Diagnostic) []Diagnostic {
	sorted := slices.Clone(diagnostics)

	sort.SliceStable(sorted, func(i, j int) bool {
		// Lower severity number = higher priority (Error=1, Warning=2, etc.)
		if sorted[i].Severity != sorted[j].Severity {
			return sorted[i].Severity < sorted[j].Severity
		}
		return ComparePositions(sorted[i].Range.Start, sorted[j].Range.Start) < 0
	})

	return sorted
}
