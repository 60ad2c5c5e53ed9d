package observability

import (
	"bytes"
	"fmt"
	"sort"
)

// family is one metric family backed by a labelled counter.
type family struct {
	name    string
	help    string
	label   string
	counter *Counter
}

// Exporter renders registered counters in Prometheus' text exposition format.
type Exporter struct {
	families []family
}

// NewExporter constructs an empty exporter.
func NewExporter() *Exporter {
	return &Exporter{}
}

// Register adds a counter family. label names the grouping dimension of the
// counter's values, e.g. "outcome".
func (e *Exporter) Register(name, help, label string, counter *Counter) {
	e.families = append(e.families, family{
		name:    name,
		help:    help,
		label:   label,
		counter: counter,
	})
}

// Export produces the metrics payload in Prometheus' text exposition format.
func (e *Exporter) Export() []byte {
	var buf bytes.Buffer
	for _, f := range e.families {
		writeFamily(&buf, f)
	}
	return buf.Bytes()
}

func writeFamily(buf *bytes.Buffer, f family) {
	counts := f.counter.Snapshot()
	if len(counts) == 0 {
		return
	}

	buf.WriteString(fmt.Sprintf("# HELP %s %s\n", f.name, f.help))
	buf.WriteString(fmt.Sprintf("# TYPE %s counter\n", f.name))

	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		buf.WriteString(fmt.Sprintf("%s{%s=%q} %d\n", f.name, f.label, label, counts[label]))
	}
}
