package bootstrap

import (
	"fmt"
	"sort"
	"sync"

	"rimg/internal/shared/logging"
)

// Stage is a single initialization step during startup.
type Stage struct {
	Name     string       // e.g. "storage", "locks"
	Required bool         // If true, failure aborts startup; otherwise recorded as degraded
	Init     func() error // Initialization function
}

// DegradedComponents tracks components that failed optional initialization
// but did not prevent startup.
type DegradedComponents struct {
	mu         sync.RWMutex
	components map[string]string // component name → error description
}

// NewDegradedComponents creates an empty tracker.
func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{components: make(map[string]string)}
}

// Record marks a component as degraded.
func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Names returns the degraded component names in sorted order.
func (d *DegradedComponents) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.components))
	for name := range d.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reason returns why name is degraded.
func (d *DegradedComponents) Reason(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reason, ok := d.components[name]
	return reason, ok
}

// IsEmpty reports whether nothing is degraded.
func (d *DegradedComponents) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.components) == 0
}

// RunStages executes stages in order. Required stages abort on error;
// optional stages are recorded as degraded and execution continues.
func RunStages(stages []Stage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		logger.Debug("[Bootstrap] Running stage: %s (required=%v)", stage.Name, stage.Required)
		if err := stage.Init(); err != nil {
			if stage.Required {
				return fmt.Errorf("required stage %q failed: %w", stage.Name, err)
			}
			logger.Warn("[Bootstrap] Optional stage %q failed: %v (continuing in degraded mode)", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}
