package vectorize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sparkjar/crew-api/internal/models"
)

// importantKeys render first, in this order, within each event's section.
// Remaining keys follow in sorted order.
var importantKeys = []string{
	"message", "thought", "action", "observation", "error", "output",
	"result", "task", "agent", "content", "query", "response",
}

// BuildDocument renders a job's event log as one deterministic text document.
// Events appear in seq order, each headed by its type and time, with
// important keys in a fixed order and remaining keys sorted, so the same log
// always yields byte-identical text; that determinism is what makes
// re-vectorization idempotent. Nested values are serialized and truncated at
// valueCap characters.
func BuildDocument(job *models.Job, eventLog []*models.JobEvent, valueCap int) string {
	document, _ := buildDocumentSpans(job, eventLog, valueCap)
	return document
}

// eventSpan records the character range one event occupies in the document,
// so chunks can carry the event types they cover.
type eventSpan struct {
	start     int
	end       int
	eventType models.EventType
}

func buildDocumentSpans(job *models.Job, eventLog []*models.JobEvent, valueCap int) (string, []eventSpan) {
	var b strings.Builder

	fmt.Fprintf(&b, "job: %s\n", job.JobKey)
	fmt.Fprintf(&b, "client: %s\n", job.ClientID)
	fmt.Fprintf(&b, "actor: %s/%s\n", job.ActorType, job.ActorID)

	spans := make([]eventSpan, 0, len(eventLog))
	for _, event := range eventLog {
		start := b.Len()
		fmt.Fprintf(&b, "\nEvent Type: %s\n", event.EventType)
		fmt.Fprintf(&b, "Time: %s\n", event.EventTime.UTC().Format(time.RFC3339))
		b.WriteString(renderEventData(event.EventData, valueCap))
		spans = append(spans, eventSpan{start: start, end: b.Len(), eventType: event.EventType})
	}

	return b.String(), spans
}

// eventTypesIn lists the distinct event types whose spans overlap
// [start, end), comma-joined in document order.
func eventTypesIn(spans []eventSpan, start, end int) string {
	var out []string
	seen := make(map[models.EventType]bool)
	for _, span := range spans {
		if span.start < end && span.end > start && !seen[span.eventType] {
			seen[span.eventType] = true
			out = append(out, string(span.eventType))
		}
	}
	return strings.Join(out, ",")
}

func renderEventData(data json.RawMessage, valueCap int) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil || len(doc) == 0 {
		return ""
	}

	var b strings.Builder
	rendered := make(map[string]bool, len(doc))
	for _, key := range importantKeys {
		if value, ok := doc[key]; ok {
			rendered[key] = true
			writeField(&b, key, value, valueCap)
		}
	}

	rest := make([]string, 0, len(doc))
	for k := range doc {
		if !rendered[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		writeField(&b, key, doc[key], valueCap)
	}
	return b.String()
}

func writeField(b *strings.Builder, key string, value interface{}, valueCap int) {
	if text := renderValue(value, valueCap); text != "" {
		fmt.Fprintf(b, "%s: %s\n", key, text)
	}
}

func renderValue(v interface{}, valueCap int) string {
	var rendered string
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		rendered = value
	case float64:
		// JSON numbers arrive as float64; render integers without the decimal
		if value == float64(int64(value)) {
			rendered = fmt.Sprintf("%d", int64(value))
		} else {
			rendered = fmt.Sprintf("%g", value)
		}
	case bool:
		rendered = fmt.Sprintf("%t", value)
	default:
		// json.Marshal sorts map keys, keeping nested values deterministic
		encoded, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		rendered = string(encoded)
	}

	if valueCap > 0 && len(rendered) > valueCap {
		rendered = rendered[:valueCap]
	}
	return rendered
}
