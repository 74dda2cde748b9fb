package features

import (
	"os"
	"sync"

	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Fields added by enrichment.
const (
	FieldHostname = "hostname"
	FieldPID      = "pid"
)

// HostInfo is process-wide information resolved once at startup.
type HostInfo struct {
	Hostname string
	PID      int
}

var (
	hostOnce sync.Once
	hostInfo HostInfo
)

// DetectHostInfo returns the cached hostname and process id.
func DetectHostInfo() HostInfo {
	hostOnce.Do(func() {
		name, err := os.Hostname()
		if err != nil || name == "" {
			name = "unknown"
		}
		hostInfo = HostInfo{Hostname: name, PID: os.Getpid()}
	})
	return hostInfo
}

// Enricher adds host and static fields to events without overwriting
// values supplied by the caller. It is read-only after construction.
type Enricher struct {
	fields []enrichField
}

type enrichField struct {
	key   string
	value interface{}
}

// NewEnricher creates an enricher. A zero HostInfo adds no host fields.
func NewEnricher(host HostInfo, static map[string]interface{}) *Enricher {
	e := &Enricher{}
	if host.Hostname != "" {
		e.fields = append(e.fields, enrichField{FieldHostname, host.Hostname})
	}
	if host.PID != 0 {
		e.fields = append(e.fields, enrichField{FieldPID, host.PID})
	}
	for k, v := range static {
		e.fields = append(e.fields, enrichField{k, v})
	}
	return e
}

// Enrich adds missing fields to ev and returns the keys it added.
func (e *Enricher) Enrich(ev types.Event) []string {
	var added []string
	for _, f := range e.fields {
		if _, exists := ev[f.key]; exists {
			continue
		}
		ev[f.key] = types.CloneValue(f.value)
		added = append(added, f.key)
	}
	return added
}
