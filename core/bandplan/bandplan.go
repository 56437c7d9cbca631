// Package bandplan maps frequency ranges to the front end preferences used by
// the receiver: local oscillator choice, gain reduction targets and LNA state.
package bandplan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/ftl/sdrstream/core"
)

// LO is the local oscillator choice of the up-converter.
type LO int

// All LO choices.
const (
	LOAuto LO = iota
	LO120MHz
	LO144MHz
	LO168MHz
)

func (lo LO) String() string {
	switch lo {
	case LOAuto:
		return "auto"
	case LO120MHz:
		return "120MHz"
	case LO144MHz:
		return "144MHz"
	case LO168MHz:
		return "168MHz"
	default:
		return fmt.Sprintf("LO(%d)", int(lo))
	}
}

// ParseLO parses the textual representation of an LO choice.
func ParseLO(s string) (LO, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return LOAuto, nil
	case "120mhz", "120":
		return LO120MHz, nil
	case "144mhz", "144":
		return LO144MHz, nil
	case "168mhz", "168":
		return LO168MHz, nil
	default:
		return LOAuto, errors.Errorf("unknown LO %q", s)
	}
}

// Gain reduction limits of the IF stage in dB.
const (
	MinGainReduction = 20
	MaxGainReduction = 59
)

// Preference of the front end within a frequency band.
type Preference struct {
	core.FrequencyRange
	Name     string
	LO       LO
	TargetGR int
	MaxGR    int
	LNAState int
}

// Contains indicates if the band contains the given frequency.
func (p *Preference) Contains(f core.Frequency) bool {
	return f >= p.From && f <= p.To
}

// UnknownBand is used for frequencies outside of every band.
var UnknownBand = Preference{
	Name:     "Unknown",
	LO:       LOAuto,
	TargetGR: 40,
	MaxGR:    MaxGainReduction,
}

// Table of band preferences, ordered by frequency.
type Table []Preference

// ByFrequency returns the preference for the matching frequency. On a band edge
// the lower band wins.
func (t Table) ByFrequency(f core.Frequency) Preference {
	for _, p := range t {
		if p.Contains(f) {
			return p
		}
	}
	return UnknownBand
}

// Validate checks that the bands are well formed and do not overlap.
func (t Table) Validate() error {
	for i, p := range t {
		if p.To <= p.From {
			return errors.Errorf("band %s: empty frequency range %v", p.Name, p.FrequencyRange)
		}
		if p.MaxGR < MinGainReduction || p.MaxGR > MaxGainReduction {
			return errors.Errorf("band %s: max gain reduction %d out of range [%d,%d]", p.Name, p.MaxGR, MinGainReduction, MaxGainReduction)
		}
		if p.TargetGR < MinGainReduction || p.TargetGR > p.MaxGR {
			return errors.Errorf("band %s: target gain reduction %d out of range [%d,%d]", p.Name, p.TargetGR, MinGainReduction, p.MaxGR)
		}
		if i > 0 && p.From < t[i-1].To {
			return errors.Errorf("band %s overlaps band %s", p.Name, t[i-1].Name)
		}
	}
	return nil
}

// Default preferences covering the whole tuning range.
var Default = Table{
	{Name: "AM", FrequencyRange: core.FrequencyRange{From: 10000, To: 12000000}, LO: LOAuto, TargetGR: 40, MaxGR: 59, LNAState: 1},
	{Name: "HF", FrequencyRange: core.FrequencyRange{From: 12000000, To: 30000000}, LO: LOAuto, TargetGR: 40, MaxGR: 59, LNAState: 1},
	{Name: "VHF low", FrequencyRange: core.FrequencyRange{From: 30000000, To: 60000000}, LO: LOAuto, TargetGR: 40, MaxGR: 59, LNAState: 2},
	{Name: "Band II", FrequencyRange: core.FrequencyRange{From: 60000000, To: 120000000}, LO: LOAuto, TargetGR: 40, MaxGR: 59, LNAState: 4},
	{Name: "Band III", FrequencyRange: core.FrequencyRange{From: 120000000, To: 250000000}, LO: LOAuto, TargetGR: 40, MaxGR: 59, LNAState: 4},
	{Name: "UHF low", FrequencyRange: core.FrequencyRange{From: 250000000, To: 380000000}, LO: LO120MHz, TargetGR: 35, MaxGR: 59, LNAState: 4},
	{Name: "UHF mid", FrequencyRange: core.FrequencyRange{From: 380000000, To: 420000000}, LO: LO144MHz, TargetGR: 35, MaxGR: 59, LNAState: 4},
	{Name: "UHF", FrequencyRange: core.FrequencyRange{From: 420000000, To: 1000000000}, LO: LOAuto, TargetGR: 30, MaxGR: 50, LNAState: 5},
	{Name: "L", FrequencyRange: core.FrequencyRange{From: 1000000000, To: 2000000000}, LO: LOAuto, TargetGR: 25, MaxGR: 45, LNAState: 5},
}

// LoadINI reads a preference table from an INI file. Every band is a [band]
// section with the keys name, from, to, lo, target_gr, max_gr and lna. Keys
// missing in a section are taken from the unnamed default section.
func LoadINI(filename string) (Table, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowNonUniqueSections: true}, filename)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load band table %s", filename)
	}
	defaults, err := file.GetSection(ini.DefaultSection)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read default section")
	}
	sections, err := file.SectionsByName("band")
	if err != nil {
		return nil, errors.Wrap(err, "band table contains no [band] section")
	}

	result := make(Table, 0, len(sections))
	for i, section := range sections {
		p, err := parseSection(section, defaults)
		if err != nil {
			return nil, errors.Wrapf(err, "band %d", i+1)
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].From < result[j].From
	})

	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func parseSection(section, defaults *ini.Section) (Preference, error) {
	key := func(name string) *ini.Key {
		if section.HasKey(name) {
			return section.Key(name)
		}
		return defaults.Key(name)
	}

	var (
		result Preference
		err    error
	)
	result.Name = key("name").MustString("unnamed")

	from, err := key("from").Float64()
	if err != nil {
		return Preference{}, errors.Wrap(err, "invalid from")
	}
	to, err := key("to").Float64()
	if err != nil {
		return Preference{}, errors.Wrap(err, "invalid to")
	}
	result.FrequencyRange = core.FrequencyRange{From: core.Frequency(from), To: core.Frequency(to)}

	result.LO, err = ParseLO(key("lo").String())
	if err != nil {
		return Preference{}, err
	}
	result.TargetGR = key("target_gr").MustInt(UnknownBand.TargetGR)
	result.MaxGR = key("max_gr").MustInt(UnknownBand.MaxGR)
	result.LNAState = key("lna").MustInt(0)

	return result, nil
}
