// =============================================================================
// CLI OUTPUT FORMATTER - TABLE, JSON, YAML OUTPUT SUPPORT
// =============================================================================
//
//   Human (Terminal):
//     $ delaystore segments
//     LOG        BASE           BUCKET START          WROTE    FLUSHED  DISPATCHED
//     schedule   1700000000000  2023-11-14T22:13:20Z  4.0 KB   4.0 KB   -
//     dispatch   1700000000000  2023-11-14T22:13:20Z  408 B    408 B    51
//
//   Script (JSON + jq):
//     $ delaystore stats -o json | jq '.wheel.Pending'
//
//   Config (YAML):
//     $ delaystore checkpoint show ./data/checkpoint -o yaml
//
// =============================================================================

package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/WuJingLearn/rocketmq/internal/api"
	"github.com/WuJingLearn/rocketmq/internal/delay"
	"github.com/WuJingLearn/rocketmq/internal/storage"
)

// =============================================================================
// OUTPUT FORMAT
// =============================================================================

// OutputFormat represents the output format type.
type OutputFormat string

// Supported output formats
const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// ParseOutputFormat parses an output format string.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return OutputTable, nil
	case "json":
		return OutputJSON, nil
	case "yaml", "yml":
		return OutputYAML, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (supported: table, json, yaml)", s)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

// Formatter handles output formatting for CLI commands.
type Formatter struct {
	format OutputFormat
	writer io.Writer
}

// NewFormatter creates a new formatter with the specified format.
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{
		format: format,
		writer: os.Stdout,
	}
}

// SetWriter sets the output writer (for testing).
func (f *Formatter) SetWriter(w io.Writer) {
	f.writer = w
}

// structured writes data as JSON or YAML and reports whether it did.
func (f *Formatter) structured(data interface{}) (bool, error) {
	switch f.format {
	case OutputJSON:
		return true, f.formatJSON(data)
	case OutputYAML:
		return true, f.formatYAML(data)
	}
	return false, nil
}

func (f *Formatter) formatJSON(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (f *Formatter) formatYAML(data interface{}) error {
	encoder := yaml.NewEncoder(f.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(data)
}

// =============================================================================
// TABLE FORMATTING
// =============================================================================

// Table creates a new table writer.
func (f *Formatter) Table() *TableWriter {
	return &TableWriter{
		tw: tabwriter.NewWriter(f.writer, 0, 0, 2, ' ', 0),
	}
}

// TableWriter wraps tabwriter for convenient table output.
type TableWriter struct {
	tw      *tabwriter.Writer
	headers []string
}

// SetHeaders sets the table headers.
func (t *TableWriter) SetHeaders(headers ...string) {
	t.headers = headers
}

// WriteHeaders writes the headers row.
func (t *TableWriter) WriteHeaders() {
	if len(t.headers) == 0 {
		return
	}
	upper := make([]string, len(t.headers))
	for i, h := range t.headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(t.tw, strings.Join(upper, "\t"))
}

// WriteRow writes a single row.
func (t *TableWriter) WriteRow(values ...interface{}) {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = fmt.Sprint(v)
	}
	fmt.Fprintln(t.tw, strings.Join(strs, "\t"))
}

// Flush flushes the table writer.
func (t *TableWriter) Flush() error {
	return t.tw.Flush()
}

// =============================================================================
// SPECIFIC DATA TYPE FORMATTERS
// =============================================================================

// FormatStats outputs service statistics.
func (f *Formatter) FormatStats(stats *delay.Stats) error {
	if ok, err := f.structured(stats); ok {
		return err
	}

	fmt.Fprintf(f.writer, "State:              %s\n", stats.State)
	fmt.Fprintf(f.writer, "Schedule Segments:  %d\n", len(stats.ScheduleSegments))
	fmt.Fprintf(f.writer, "Dispatch Segments:  %d\n", len(stats.DispatchSegments))
	fmt.Fprintf(f.writer, "Watermark:          %s\n", formatMillis(stats.DispatchedWatermark))
	fmt.Fprintf(f.writer, "In Flight:          %d\n", stats.InFlight)
	fmt.Fprintf(f.writer, "Wheel Pending:      %d\n", stats.Wheel.Pending)
	fmt.Fprintf(f.writer, "Wheel Fired:        %d\n", stats.Wheel.TotalFired)
	fmt.Fprintf(f.writer, "Wheel Retried:      %d\n", stats.Wheel.TotalRetried)
	if len(stats.ScheduleSegments) == 0 {
		return nil
	}
	fmt.Fprintln(f.writer)
	fmt.Fprintln(f.writer, "SEGMENTS:")

	table := f.Table()
	table.SetHeaders("BASE", "RECORDS", "DISPATCHED", "REPLAY FROM")
	table.WriteHeaders()
	for _, base := range sortedKeys(stats.ScheduleSegments) {
		replay := "-"
		if p, ok := stats.DispatchedUpTo[base]; ok {
			replay = fmt.Sprint(p)
		}
		table.WriteRow(base, stats.ScheduleSegments[base], stats.DispatchSegments[base], replay)
	}
	return table.Flush()
}

// FormatSegments outputs the segments of a running store.
func (f *Formatter) FormatSegments(resp *api.SegmentsResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("LOG", "BASE", "BUCKET START", "WROTE", "FLUSHED", "DISPATCHED")
	table.WriteHeaders()
	write := func(log string, segs []api.SegmentInfo) {
		for _, s := range segs {
			dispatched := "-"
			if s.Dispatched != nil {
				dispatched = fmt.Sprint(*s.Dispatched)
			}
			table.WriteRow(log, s.BaseOffset, formatMillis(s.BaseOffset),
				formatBytes(s.WrotePosition), formatBytes(s.FlushedPosition), dispatched)
		}
	}
	write("schedule", resp.Schedule)
	write("dispatch", resp.Dispatch)
	return table.Flush()
}

// FormatSegmentReports outputs an offline inspection of one log directory.
func (f *Formatter) FormatSegmentReports(reports []storage.SegmentReport) error {
	if ok, err := f.structured(reports); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("BASE", "BUCKET START", "SIZE", "VALID", "RECORDS", "TORN", "ERROR")
	table.WriteHeaders()
	for _, r := range reports {
		errStr := r.Error
		if errStr == "" {
			errStr = "-"
		}
		table.WriteRow(r.BaseOffset, formatMillis(r.BaseOffset), r.FileSize, r.ValidSize,
			r.Records, r.TornBytes(), errStr)
	}
	return table.Flush()
}

// FormatCheckpoint outputs a saved checkpoint.
func (f *Formatter) FormatCheckpoint(cp *delay.Checkpoint) error {
	if ok, err := f.structured(cp); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Saved At:   %s\n", formatMillis(cp.SavedAt))
	fmt.Fprintf(f.writer, "Watermark:  %s\n", formatMillis(cp.DispatchedWatermark))
	if cp.ScheduleCleanFloor != nil {
		fmt.Fprintf(f.writer, "Cleaned To: %s\n", formatMillis(*cp.ScheduleCleanFloor))
	}
	fmt.Fprintln(f.writer)

	bases := map[int64]struct{}{}
	for b := range cp.ScheduleOffsets {
		bases[b] = struct{}{}
	}
	for b := range cp.DispatchOffsets {
		bases[b] = struct{}{}
	}
	keys := make([]int64, 0, len(bases))
	for b := range bases {
		keys = append(keys, b)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	table := f.Table()
	table.SetHeaders("BASE", "SCHEDULE FLUSHED", "DISPATCH FLUSHED", "DISPATCHED UP TO")
	table.WriteHeaders()
	for _, b := range keys {
		table.WriteRow(b, optional(cp.ScheduleOffsets, b), optional(cp.DispatchOffsets, b), optional(cp.DispatchedUpTo, b))
	}
	return table.Flush()
}

// FormatScheduleResult outputs where a scheduled message was stored.
func (f *Formatter) FormatScheduleResult(resp *api.ScheduleResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Message ID:    %s\n", resp.MessageID)
	fmt.Fprintf(f.writer, "Schedule Time: %s\n", formatMillis(resp.ScheduleTime))
	fmt.Fprintf(f.writer, "Segment:       %d\n", resp.BaseOffset)
	fmt.Fprintf(f.writer, "Offset:        %d\n", resp.Offset)
	fmt.Fprintf(f.writer, "Size:          %d\n", resp.Size)
	return nil
}

// FormatReadyMessages outputs re-published messages.
func (f *Formatter) FormatReadyMessages(resp *api.ReadyResponse) error {
	if ok, err := f.structured(resp); ok {
		return err
	}

	table := f.Table()
	table.SetHeaders("SEQ", "SUBJECT", "MESSAGE ID", "SCHEDULED", "PUBLISHED", "PAYLOAD")
	table.WriteHeaders()
	for _, m := range resp.Messages {
		payload := string(m.Payload)
		if len(payload) > 50 {
			payload = payload[:47] + "..."
		}
		table.WriteRow(m.Seq, m.Subject, m.MessageID, formatMillis(m.ScheduleTime), formatMillis(m.PublishedAt), payload)
	}
	if err := table.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(f.writer, "\nNext: %d\n", resp.Next)
	return nil
}

// FormatHealth outputs health status.
func (f *Formatter) FormatHealth(health *HealthResponse) error {
	if ok, err := f.structured(health); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Status:    %s\n", health.Status)
	fmt.Fprintf(f.writer, "Timestamp: %s\n", health.Timestamp)
	if health.Uptime != "" {
		fmt.Fprintf(f.writer, "Uptime:    %s\n", health.Uptime)
	}
	if len(health.Checks) == 0 {
		return nil
	}
	fmt.Fprintln(f.writer)

	names := make([]string, 0, len(health.Checks))
	for name := range health.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	table := f.Table()
	table.SetHeaders("CHECK", "STATUS", "MESSAGE")
	table.WriteHeaders()
	for _, name := range names {
		c := health.Checks[name]
		table.WriteRow(name, c.Status, c.Message)
	}
	return table.Flush()
}

// FormatVersion outputs version information.
func (f *Formatter) FormatVersion(info *VersionInfo) error {
	if ok, err := f.structured(info); ok {
		return err
	}

	fmt.Fprintf(f.writer, "Client Version: %s\n", info.ClientVersion)
	if info.ServerVersion != "" {
		fmt.Fprintf(f.writer, "Server Version: %s (%s)\n", info.ServerVersion, info.GitCommit)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// formatBytes formats a byte count as human-readable.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatMillis renders an epoch-ms timestamp in UTC; zero is "-".
func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func optional(m map[int64]int64, key int64) string {
	if v, ok := m[key]; ok {
		return fmt.Sprint(v)
	}
	return "-"
}

func sortedKeys(m map[int64]int64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintSuccess prints a success message.
func PrintSuccess(format string, args ...interface{}) {
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintInfo prints an info message.
func PrintInfo(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}
