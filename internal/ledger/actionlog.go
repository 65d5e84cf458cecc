package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"monthlypay/internal/core"
)

// storedEntries splits a stored log into its object elements, byte for byte
// as stored. Anything that is not a JSON list yields nothing; list elements
// that are not objects are dropped.
func storedEntries(raw string) []json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	kept := items[:0]
	for _, item := range items {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// DecodeActionLog parses a stored log for display.
func DecodeActionLog(raw string) []core.ActionLogEntry {
	items := storedEntries(raw)
	entries := make([]core.ActionLogEntry, 0, len(items))
	for _, item := range items {
		var fields map[string]any
		_ = json.Unmarshal(item, &fields)
		entries = append(entries, entryFromFields(fields))
	}
	return entries
}

// Timestamps written by earlier tooling use the spreadsheet layout.
var legacyTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

func entryFromFields(fields map[string]any) core.ActionLogEntry {
	var e core.ActionLogEntry
	if s, ok := fields["user"].(string); ok {
		e.Actor = s
	}
	if s, ok := fields["action"].(string); ok {
		e.Action = s
	}
	if s, ok := fields["ts"].(string); ok {
		for _, layout := range legacyTimestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				e.Timestamp = ts.UTC()
				break
			}
		}
	}
	return e
}

// AppendActionLog adds entry to a stored log. Existing object entries are
// carried over unchanged, including fields this package does not know.
func AppendActionLog(raw string, entry core.ActionLogEntry) (string, error) {
	added, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode action log entry: %w", err)
	}
	var b strings.Builder
	b.WriteByte('[')
	for _, item := range storedEntries(raw) {
		b.Write(item)
		b.WriteByte(',')
	}
	b.Write(added)
	b.WriteByte(']')
	return b.String(), nil
}

// DescribeChange builds the default audit text for a submit.
func DescribeChange(from, to core.CheckStatus, memoChanged bool) string {
	var parts []string
	if from != to {
		parts = append(parts, fmt.Sprintf("ステータス: %s → %s", from.Label(), to.Label()))
	}
	if memoChanged {
		parts = append(parts, "メモ更新")
	}
	if len(parts) == 0 {
		return "変更なし"
	}
	return strings.Join(parts, " / ")
}
