// Package routing decides which view a clinician sees after attaching a
// searched patient to a service queue: the existing visit, the patient's
// scheduled visits, or a new visit form.
//
// The transition rules are pure functions (AutoAdvance, Back, BackButtonFor,
// Render). Session applies them to patient facts that arrive asynchronously,
// and Manager keeps one Session per open workspace.
package routing

import (
	"fmt"
)

// SearchType is the routing state. Exactly one is active per session.
type SearchType string

const (
	SearchResults   SearchType = "search_results"
	ScheduledVisits SearchType = "scheduled_visits"
	VisitForm       SearchType = "visit_form"
)

// InitialSearchType is the state of a freshly opened session.
const InitialSearchType = ScheduledVisits

func (t SearchType) Valid() bool {
	switch t {
	case SearchResults, ScheduledVisits, VisitForm:
		return true
	}
	return false
}

// ParseSearchType validates a client-supplied search type.
func ParseSearchType(s string) (SearchType, error) {
	t := SearchType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown search type %q", ErrInvalidRequest, s)
	}
	return t, nil
}

// AutoAdvance moves a session from SCHEDULED_VISITS to VISIT_FORM once
// appointment data has resolved and the patient has none. Any other input
// leaves the state alone.
func AutoAdvance(current SearchType, resolved, hasAppointments bool) SearchType {
	if current == ScheduledVisits && resolved && !hasAppointments {
		return VisitForm
	}
	return current
}

// Back returns the state reached by the "go back" intent.
func Back(current SearchType, hasAppointments bool) SearchType {
	if current == VisitForm && hasAppointments {
		return ScheduledVisits
	}
	return SearchResults
}

// BackButton is the label of the back control. Key is the translation key,
// Text its default rendering.
type BackButton struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

var (
	backToScheduledVisits = BackButton{Key: "backToScheduledVisits", Text: "Back to scheduled visits"}
	backToSearchResults   = BackButton{Key: "backToSearchResults", Text: "Back to search results"}
)

// BackButtonFor labels the back control for state. It always names the state
// Back would return.
func BackButtonFor(state SearchType, hasAppointments bool) BackButton {
	if Back(state, hasAppointments) == ScheduledVisits {
		return backToScheduledVisits
	}
	return backToSearchResults
}

// Resource names a fact fetched from the patient data provider.
type Resource string

const (
	ResourcePatient      Resource = "patient"
	ResourceVisit        Resource = "visit"
	ResourceAppointments Resource = "appointments"
)

// FetchState tracks one outstanding fact.
type FetchState int

const (
	FetchPending FetchState = iota
	FetchResolved
	FetchFailed
)

func (s FetchState) String() string {
	switch s {
	case FetchPending:
		return "pending"
	case FetchResolved:
		return "resolved"
	case FetchFailed:
		return "failed"
	}
	return fmt.Sprintf("FetchState(%d)", int(s))
}

// FetchError reports a failed fetch. It replaces the rendered content but
// never changes the routing state.
type FetchError struct {
	Resource Resource
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed: %v", e.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Facts is what is currently known about the selected patient.
type Facts struct {
	Patient         FetchState
	Visit           FetchState
	Appointments    FetchState
	HasActiveVisit  bool
	HasAppointments bool
}

// ContentKind is what the workspace shows in place of its body.
type ContentKind string

const (
	ContentLoading         ContentKind = "loading"
	ContentError           ContentKind = "error"
	ContentExistingVisit   ContentKind = "existing_visit"
	ContentScheduledVisits ContentKind = "scheduled_visits"
	ContentVisitForm       ContentKind = "visit_form"
	ContentNone            ContentKind = "none"
)

// Content is the result of Render. Failed is set only for ContentError.
type Content struct {
	Kind   ContentKind
	Failed Resource
}

// Render picks the content for state given facts. Precedence: patient, then
// active visit, then appointments, then the state itself. An active visit
// overrides every routing state.
func Render(state SearchType, f Facts) Content {
	switch {
	case f.Patient == FetchPending:
		return Content{Kind: ContentLoading}
	case f.Patient == FetchFailed:
		return Content{Kind: ContentError, Failed: ResourcePatient}
	case f.Visit == FetchPending:
		return Content{Kind: ContentLoading}
	case f.Visit == FetchFailed:
		return Content{Kind: ContentError, Failed: ResourceVisit}
	case f.HasActiveVisit:
		return Content{Kind: ContentExistingVisit}
	case f.Appointments == FetchFailed:
		return Content{Kind: ContentError, Failed: ResourceAppointments}
	case f.Appointments == FetchPending:
		return Content{Kind: ContentLoading}
	}

	switch state {
	case ScheduledVisits:
		if f.HasAppointments {
			return Content{Kind: ContentScheduledVisits}
		}
	case VisitForm:
		return Content{Kind: ContentVisitForm}
	}
	return Content{Kind: ContentNone}
}
