package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sredebate/engine/graph/tool"
)

// LocalLogReader grep-style searches incident log text held in memory. It
// never performs network or filesystem IO; the log corpus is the Lines
// slice supplied at construction.
type LocalLogReader struct {
	Lines []string
}

func (t *LocalLogReader) Name() string { return string(KindLocalLogReader) }

func (t *LocalLogReader) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, _ := input["query"].(string)
	var matches []string
	for _, line := range t.Lines {
		if query == "" || strings.Contains(strings.ToLower(line), strings.ToLower(query)) {
			matches = append(matches, line)
		}
		if len(matches) >= 50 {
			break
		}
	}
	return map[string]interface{}{
		"query":        query,
		"matches":      matches,
		"total_lines":  len(t.Lines),
		"match_count":  len(matches),
	}, nil
}

// DomainTableLookup resolves service-ownership and dependency facts from a
// static in-memory table supplied at construction.
type DomainTableLookup struct {
	Table map[string]map[string]string
}

func (t *DomainTableLookup) Name() string { return string(KindDomainTableLookup) }

func (t *DomainTableLookup) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	service, _ := input["service"].(string)
	entry, ok := t.Table[service]
	if !ok {
		return map[string]interface{}{"service": service, "found": false}, nil
	}
	out := map[string]interface{}{"service": service, "found": true}
	for k, v := range entry {
		out[k] = v
	}
	return out, nil
}

// SourceRepoSearch does a substring search over a pre-indexed set of source
// file contents, used by the code specialist to cite file/line evidence.
type SourceRepoSearch struct {
	Files map[string]string // path -> content
}

func (t *SourceRepoSearch) Name() string { return string(KindSourceRepoSearch) }

func (t *SourceRepoSearch) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	needle, ok := input["query"].(string)
	if !ok || needle == "" {
		return nil, fmt.Errorf("query parameter required (string)")
	}
	paths := make([]string, 0, len(t.Files))
	for p := range t.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	type hit struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var hits []hit
	for _, p := range paths {
		for i, line := range strings.Split(t.Files[p], "\n") {
			if strings.Contains(line, needle) {
				hits = append(hits, hit{Path: p, Line: i + 1, Text: strings.TrimSpace(line)})
			}
			if len(hits) >= 50 {
				break
			}
		}
	}
	results := make([]map[string]interface{}, 0, len(hits))
	for _, h := range hits {
		results = append(results, map[string]interface{}{"path": h.Path, "line": h.Line, "text": h.Text})
	}
	return map[string]interface{}{"query": needle, "hits": results, "hit_count": len(hits)}, nil
}

// ChangeWindowScanner reports deploys/config changes whose window overlaps
// the [window_start_unix, window_end_unix] range given in the input.
type ChangeWindowScanner struct {
	Changes []ChangeRecord
}

// ChangeRecord is one deploy or config change entry.
type ChangeRecord struct {
	ID        string
	Service   string
	Summary   string
	StartUnix int64
	EndUnix   int64
}

func (t *ChangeWindowScanner) Name() string { return string(KindChangeWindowScanner) }

func (t *ChangeWindowScanner) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	windowStart, _ := toInt64(input["window_start_unix"])
	windowEnd, _ := toInt64(input["window_end_unix"])
	var overlapping []map[string]interface{}
	for _, c := range t.Changes {
		if c.EndUnix < windowStart || c.StartUnix > windowEnd {
			continue
		}
		overlapping = append(overlapping, map[string]interface{}{
			"id": c.ID, "service": c.Service, "summary": c.Summary,
			"start_unix": c.StartUnix, "end_unix": c.EndUnix,
		})
	}
	return map[string]interface{}{"overlapping_changes": overlapping, "count": len(overlapping)}, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// MetricsSnapshotAnalyzer surfaces anomalous points in a pre-fetched
// time-series snapshot keyed by metric name.
type MetricsSnapshotAnalyzer struct {
	Series map[string][]float64
	Baseline map[string]float64
}

func (t *MetricsSnapshotAnalyzer) Name() string { return string(KindMetricsSnapshotAnalyzer) }

func (t *MetricsSnapshotAnalyzer) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metric, _ := input["metric"].(string)
	series, ok := t.Series[metric]
	if !ok {
		return map[string]interface{}{"metric": metric, "found": false}, nil
	}
	baseline := t.Baseline[metric]
	var anomalies []map[string]interface{}
	for i, v := range series {
		if baseline != 0 && (v > baseline*2 || v < baseline*0.5) {
			anomalies = append(anomalies, map[string]interface{}{"index": i, "value": v, "baseline": baseline})
		}
	}
	return map[string]interface{}{
		"metric":    metric,
		"found":     true,
		"points":    len(series),
		"baseline":  baseline,
		"anomalies": anomalies,
	}, nil
}

// RunbookCaseLibrary matches the query text against the keywords of a
// static library of past cases; titles are returned but not matched.
type RunbookCaseLibrary struct {
	Cases []RunbookCase
}

// RunbookCase is one stored incident runbook entry.
type RunbookCase struct {
	ID       string
	Title    string
	Keywords []string
	Summary  string
}

func (t *RunbookCaseLibrary) Name() string { return string(KindRunbookCaseLibrary) }

func (t *RunbookCaseLibrary) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, _ := input["query"].(string)
	lowered := strings.ToLower(query)
	var matches []map[string]interface{}
	for _, c := range t.Cases {
		for _, kw := range c.Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				matches = append(matches, map[string]interface{}{
					"id": c.ID, "title": c.Title, "summary": c.Summary,
				})
				break
			}
		}
	}
	return map[string]interface{}{"query": query, "matches": matches, "match_count": len(matches)}, nil
}

var _ tool.Tool = (*LocalLogReader)(nil)
var _ tool.Tool = (*DomainTableLookup)(nil)
var _ tool.Tool = (*SourceRepoSearch)(nil)
var _ tool.Tool = (*ChangeWindowScanner)(nil)
var _ tool.Tool = (*MetricsSnapshotAnalyzer)(nil)
var _ tool.Tool = (*RunbookCaseLibrary)(nil)
