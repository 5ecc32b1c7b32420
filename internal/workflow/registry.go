package workflow

import (
	"errors"
	"sync/atomic"
)

// Resolution failures. Callers map these onto their own rejection
// taxonomy.
var (
	ErrUnknownTemplate   = errors.New("workflow: unknown template id")
	ErrNotEventTriggered = errors.New("workflow: template is not event-triggered")
	ErrNoMatch           = errors.New("workflow: no event-triggered template matches")
	ErrAmbiguous         = errors.New("workflow: multiple event-triggered templates match")
)

type snapshot struct {
	byID    map[string]Template
	ordered []Template
}

// Registry is a read-mostly view of the configured templates. Apply
// swaps the whole snapshot, so config reloads never block lookups.
type Registry struct {
	snap atomic.Value // snapshot
}

func NewRegistry(templates []Template) *Registry {
	r := &Registry{}
	r.Apply(templates)
	return r
}

// Apply replaces the template set. Later duplicates of an id win, same
// as a config file read top to bottom.
func (r *Registry) Apply(templates []Template) {
	s := snapshot{byID: make(map[string]Template, len(templates))}
	for _, t := range templates {
		if t.ID == "" {
			continue
		}
		if _, dup := s.byID[t.ID]; !dup {
			s.ordered = append(s.ordered, t)
		}
		s.byID[t.ID] = t
	}
	for i, t := range s.ordered {
		s.ordered[i] = s.byID[t.ID]
	}
	r.snap.Store(s)
}

func (r *Registry) load() snapshot {
	s, _ := r.snap.Load().(snapshot)
	return s
}

// Get returns the template with the given id.
func (r *Registry) Get(id string) (Template, bool) {
	t, ok := r.load().byID[id]
	return t, ok
}

// List returns the templates in configuration order.
func (r *Registry) List() []Template {
	s := r.load()
	out := make([]Template, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Resolve picks the template an external event targets. An explicit id
// wins but must be event-triggered. Otherwise the event name is matched
// against event-triggered templates; zero matches is ErrNoMatch, more
// than one is ErrAmbiguous. With neither id nor name, a lone
// event-triggered template is used.
func (r *Registry) Resolve(explicitID, eventName string) (Template, error) {
	s := r.load()

	if explicitID != "" {
		t, ok := s.byID[explicitID]
		if !ok {
			return Template{}, ErrUnknownTemplate
		}
		if !t.EventTriggered {
			return Template{}, ErrNotEventTriggered
		}
		return t, nil
	}

	var candidates []Template
	for _, t := range s.ordered {
		if !t.EventTriggered {
			continue
		}
		if eventName != "" && t.EventName != eventName {
			continue
		}
		candidates = append(candidates, t)
	}
	switch len(candidates) {
	case 0:
		return Template{}, ErrNoMatch
	case 1:
		return candidates[0], nil
	default:
		return Template{}, ErrAmbiguous
	}
}
