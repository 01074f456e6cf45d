package lwm2mcore

import "testing"

func TestResolveAttrsFirstDefinedWins(t *testing.T) {
	resource := &Attrs{Pmax: f64(30)}
	instance := &Attrs{Pmin: f64(5), Pmax: f64(60)}
	object := &Attrs{Pmin: f64(1), Step: f64(0.5)}

	eff := ResolveAttrs([]*Attrs{resource, instance, object}, 0, 0)

	if eff.Pmax != 30 {
		t.Errorf("Pmax should come from the most specific (resource) level, got %v", eff.Pmax)
	}
	if eff.Pmin != 5 {
		t.Errorf("Pmin is unset at resource level, should fall through to instance, got %v", eff.Pmin)
	}
	if eff.Step == nil || *eff.Step != 0.5 {
		t.Errorf("Step should fall through to the object level, got %v", eff.Step)
	}
}

func TestResolveAttrsServerDefaultsWhenNothingSet(t *testing.T) {
	eff := ResolveAttrs([]*Attrs{nil, nil, nil}, 10, 20)
	if eff.Pmin != 10 || eff.Pmax != 20 {
		t.Errorf("expected server defaults to apply, got pmin=%v pmax=%v", eff.Pmin, eff.Pmax)
	}
	if eff.Con != ConUnset {
		t.Errorf("con should default to ConUnset, got %v", eff.Con)
	}
}

func TestResolveAttrsNegativePminClampedToZero(t *testing.T) {
	eff := ResolveAttrs([]*Attrs{{Pmin: f64(-5)}}, 0, 0)
	if eff.Pmin != 0 {
		t.Errorf("negative pmin must clamp to 0, got %v", eff.Pmin)
	}
}

func TestPmaxValid(t *testing.T) {
	cases := []struct {
		eff  Effective
		want bool
	}{
		{Effective{Pmax: 0, Pmin: 0}, false},
		{Effective{Pmax: -1, Pmin: 0}, false},
		{Effective{Pmax: 10, Pmin: 20}, false},
		{Effective{Pmax: 10, Pmin: 5}, true},
		{Effective{Pmax: 10, Pmin: 10}, true},
	}
	for _, c := range cases {
		if got := c.eff.PmaxValid(); got != c.want {
			t.Errorf("PmaxValid() on %+v = %v, want %v", c.eff, got, c.want)
		}
	}
}

func TestResolveAttrsConUnsetDefersToServerDefault(t *testing.T) {
	// An explicit con=0 (non-confirmable) must be distinguishable from an
	// absent con, which defers entirely to the server's
	// confirmable_notifications default elsewhere in the pipeline
	// (spec.md §9 open question; decision recorded in DESIGN.md).
	explicit := ResolveAttrs([]*Attrs{{Con: con(ConPreferNonConfirmable)}}, 0, 0)
	if explicit.Con != ConPreferNonConfirmable {
		t.Errorf("explicit con=0 must resolve to ConPreferNonConfirmable, got %v", explicit.Con)
	}

	unset := ResolveAttrs([]*Attrs{{}}, 0, 0)
	if unset.Con != ConUnset {
		t.Errorf("absent con must resolve to ConUnset, got %v", unset.Con)
	}
}
