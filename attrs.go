package lwm2mcore

// Confirmable preference values for the "con" attribute. ConUnset must be
// kept distinct from ConPreferNonConfirmable: an explicit con=0 overrides
// the global confirmable_notifications default to non-confirmable, while
// an unset con defers to it (see spec.md §9, open question).
type ConPreference int

const (
	ConUnset                ConPreference = -1
	ConPreferNonConfirmable ConPreference = 0
	ConPreferConfirmable    ConPreference = 1
)

// Attrs holds the per-path numeric notification attributes. A nil pointer
// field means "not defined at this level", which lets the inheritance
// chain in ResolveAttrs distinguish unset from zero.
type Attrs struct {
	Pmin   *float64
	Pmax   *float64
	Epmin  *float64
	Epmax  *float64
	Gt     *float64
	Lt     *float64
	Step   *float64
	Con    *ConPreference
}

func f64(v float64) *float64             { return &v }
func con(v ConPreference) *ConPreference { return &v }

// Effective is the fully resolved attribute set for a path, with defaults
// applied: Pmin floored to 0, Con defaulting to ConUnset.
type Effective struct {
	Pmin  float64
	Pmax  float64
	Epmin float64
	Epmax float64
	Gt    *float64
	Lt    *float64
	Step  *float64
	Con   ConPreference
}

// PmaxValid reports whether pmax should drive a periodic trigger: it must
// be strictly positive and not smaller than pmin (§4.2).
func (e Effective) PmaxValid() bool {
	return e.Pmax > 0 && e.Pmax >= e.Pmin
}

// ResolveAttrs merges attribute levels from the most specific
// (resource) to the least specific (server defaults), taking the first
// defined value for each field independently (§3, §4.2, design note
// "attribute inheritance chain"). defaultPmin/defaultPmax are the
// server-wide DEFAULT_PMIN / DEFAULT_PMAX fallbacks.
func ResolveAttrs(levels []*Attrs, defaultPmin, defaultPmax float64) Effective {
	var e Effective
	var pmin, pmax, epmin, epmax *float64
	var gt, lt, step *float64
	var c *ConPreference

	for _, lvl := range levels {
		if lvl == nil {
			continue
		}
		if pmin == nil && lvl.Pmin != nil {
			pmin = lvl.Pmin
		}
		if pmax == nil && lvl.Pmax != nil {
			pmax = lvl.Pmax
		}
		if epmin == nil && lvl.Epmin != nil {
			epmin = lvl.Epmin
		}
		if epmax == nil && lvl.Epmax != nil {
			epmax = lvl.Epmax
		}
		if gt == nil && lvl.Gt != nil {
			gt = lvl.Gt
		}
		if lt == nil && lvl.Lt != nil {
			lt = lvl.Lt
		}
		if step == nil && lvl.Step != nil {
			step = lvl.Step
		}
		if c == nil && lvl.Con != nil {
			c = lvl.Con
		}
	}

	if pmin == nil {
		e.Pmin = defaultPmin
	} else {
		e.Pmin = *pmin
	}
	if e.Pmin < 0 {
		e.Pmin = 0
	}
	if pmax == nil {
		e.Pmax = defaultPmax
	} else {
		e.Pmax = *pmax
	}
	if epmin != nil {
		e.Epmin = *epmin
	}
	if epmax != nil {
		e.Epmax = *epmax
	}
	e.Gt = gt
	e.Lt = lt
	e.Step = step
	if c == nil {
		e.Con = ConUnset
	} else {
		e.Con = *c
	}
	return e
}
