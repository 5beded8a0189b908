package irrigation_controller

import (
	"sync"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// FieldRegistry is the in-memory field catalog loaded from configuration.
type FieldRegistry struct {
	mu     sync.RWMutex
	fields map[string]entities.Field
}

func NewFieldRegistry(fields []entities.Field) *FieldRegistry {
	r := &FieldRegistry{fields: make(map[string]entities.Field, len(fields))}
	for _, f := range fields {
		r.fields[f.ID] = f
	}
	return r
}

func (r *FieldRegistry) Lookup(fieldID string) (entities.Field, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fields[fieldID]
	return f, ok
}
