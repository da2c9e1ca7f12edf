// File: internal/analysis/timeout/state.go
package timeout

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
)

// CandidateRecord is the serializable form of a pending candidate.
type CandidateRecord struct {
	Phase              int             `json:"phase"`
	ID                 uint64          `json:"id"`
	Element            element.Record  `json:"element"`
	TimingString       string          `json:"timing_string"`
	Options            Options         `json:"options"`
	Delays             []time.Duration `json:"delays,omitempty"`
	ControlTimes       []time.Duration `json:"control_times,omitempty"`
	StabilizationTimes []time.Duration `json:"stabilization_times,omitempty"`
}

// State is what survives a suspend: pending candidates and the filters.
type State struct {
	Candidates  []CandidateRecord `json:"candidates"`
	PhaseIDs    [][]uint64        `json:"phase_ids"`
	Logged      []uint64          `json:"logged"`
	Deduplicate bool              `json:"deduplicate"`
}

// Dump captures the analyzer's state.
func (a *Analyzer) Dump() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		PhaseIDs:    make([][]uint64, len(a.ids)),
		Logged:      a.logged.Hashes(),
		Deduplicate: a.deduplicate,
	}
	for i, ids := range a.ids {
		s.PhaseIDs[i] = ids.Hashes()
	}
	for phase, list := range a.candidates {
		for _, c := range list {
			s.Candidates = append(s.Candidates, CandidateRecord{
				Phase:              phase,
				ID:                 c.id,
				Element:            c.Element.Record(),
				TimingString:       c.TimingString,
				Options:            c.Options,
				Delays:             c.Delays,
				ControlTimes:       c.ControlTimes,
				StabilizationTimes: c.StabilizationTimes,
			})
		}
	}
	return s
}

// Load replaces the analyzer's state with s. resolve re-attaches the
// auditors that log the candidates' issues.
func (a *Analyzer) Load(s State, resolve element.AuditorResolver) error {
	candidates := make([][]*Candidate, len(Phases))
	for _, r := range s.Candidates {
		if r.Phase < 0 || r.Phase >= len(Phases) {
			return fmt.Errorf("timeout: candidate phase %d out of range", r.Phase)
		}
		e, err := element.FromRecord(r.Element, resolve)
		if err != nil {
			return fmt.Errorf("timeout: failed to restore candidate: %w", err)
		}
		auditable, ok := e.(element.Auditable)
		if !ok {
			return fmt.Errorf("timeout: restored %s candidate is not submittable", e.Kind())
		}
		candidates[r.Phase] = append(candidates[r.Phase], &Candidate{
			Element:            auditable,
			TimingString:       r.TimingString,
			Options:            r.Options,
			Delays:             r.Delays,
			ControlTimes:       r.ControlTimes,
			StabilizationTimes: r.StabilizationTimes,
			id:                 r.ID,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	a.candidates = candidates
	for i, ids := range s.PhaseIDs {
		if i < len(a.ids) {
			a.ids[i].Load(ids)
		}
	}
	a.logged.Clear()
	a.logged.Load(s.Logged)
	a.deduplicate = s.Deduplicate
	return nil
}
