package hw

import (
	"math"
	"strings"

	"github.com/ftl/sdrstream/core/bandplan"
)

// Action needed to bring the hardware to the requested settings.
type Action int

// All actions, ordered by disruption.
const (
	ActionNone Action = iota
	ActionRetune
	ActionReinit
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRetune:
		return "retune"
	case ActionReinit:
		return "reinit"
	default:
		return "unknown"
	}
}

// Reason tells which settings changed.
type Reason uint

// All reasons.
const (
	ReasonFrequency Reason = 1 << iota
	ReasonSampleRate
	ReasonBandwidth
	ReasonIFMode
	ReasonLO
	ReasonLNA
	ReasonCorrection
)

var reasonNames = []string{"frequency", "sample rate", "bandwidth", "IF mode", "LO", "LNA", "correction"}

// Has indicates if the given reason is set.
func (r Reason) Has(reason Reason) bool {
	return r&reason != 0
}

func (r Reason) String() string {
	names := make([]string, 0, len(reasonNames))
	for i, name := range reasonNames {
		if r.Has(1 << uint(i)) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}

// Update is the result of planning a change.
type Update struct {
	Action Action
	Reason Reason
}

func (u *Update) add(action Action, reason Reason) {
	if action > u.Action {
		u.Action = action
	}
	u.Reason |= reason
}

// Plan decides how the hardware gets from the applied to the requested
// settings. A frequency change within half of the applied output rate, a new
// frequency correction and a new LNA state are applied in place. A larger
// frequency change, a new sample rate, bandwidth, IF mode or LO requires a
// reinitialization. The gain reduction is not considered, it is owned by the
// gain controller.
func Plan(applied, requested Settings, bands bandplan.Table) Update {
	var result Update

	appliedDerived, appliedErr := Derive(applied)
	requestedDerived, requestedErr := Derive(requested)
	if appliedErr != nil || requestedErr != nil {
		result.add(ActionReinit, ReasonSampleRate)
		return result
	}

	if requested.SampleRate != applied.SampleRate ||
		requestedDerived.HardwareRate != appliedDerived.HardwareRate ||
		requestedDerived.Decimation != appliedDerived.Decimation {
		result.add(ActionReinit, ReasonSampleRate)
	}
	if requestedDerived.Bandwidth != appliedDerived.Bandwidth {
		result.add(ActionReinit, ReasonBandwidth)
	}
	if requested.IFMode != applied.IFMode {
		result.add(ActionReinit, ReasonIFMode)
	}
	if effectiveLO(requested, bands) != effectiveLO(applied, bands) {
		result.add(ActionReinit, ReasonLO)
	}

	delta := math.Abs(float64(requested.CenterFrequency - applied.CenterFrequency))
	switch {
	case delta > float64(appliedDerived.OutputRate)/2:
		result.add(ActionReinit, ReasonFrequency)
	case delta > 0:
		result.add(ActionRetune, ReasonFrequency)
	}

	if requested.FrequencyCorrection != applied.FrequencyCorrection {
		result.add(ActionRetune, ReasonCorrection)
	}
	if requested.LNAState != applied.LNAState {
		result.add(ActionRetune, ReasonLNA)
	}

	return result
}

func effectiveLO(s Settings, bands bandplan.Table) bandplan.LO {
	if s.LO != bandplan.LOAuto || bands == nil {
		return s.LO
	}
	return bands.ByFrequency(s.CenterFrequency).LO
}
