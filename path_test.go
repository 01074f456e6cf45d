package lwm2mcore

import "testing"

func TestPathDepth(t *testing.T) {
	cases := []struct {
		p    Path
		want int
	}{
		{RootPath(), 0},
		{ObjectPath(3), 1},
		{InstancePath(3, 0), 2},
		{ResourcePath(3, 0, 9), 3},
		{ResourceInstancePath(3, 0, 9, 1), 4},
	}
	for _, c := range cases {
		if got := c.p.Depth(); got != c.want {
			t.Errorf("%s: Depth() = %d, want %d", c.p, got, c.want)
		}
	}
}

func TestPathCompareOrdersAbsentLast(t *testing.T) {
	a := ObjectPath(3)
	b := InstancePath(3, 0)
	if a.Compare(b) <= 0 {
		t.Errorf("expected the absent (wildcard) instance component to sort after a present one: %s vs %s", a, b)
	}
	if b.Compare(a) >= 0 {
		t.Errorf("Compare must be antisymmetric: %s vs %s", b, a)
	}
	if a.Compare(a) != 0 {
		t.Errorf("a path must compare equal to itself")
	}
}

func TestPathMatchesWildcard(t *testing.T) {
	registered := ObjectPath(3)
	changed := ResourcePath(3, 0, 9)
	if !registered.Matches(changed) {
		t.Errorf("object-level registration should match a resource-level change under it")
	}

	registeredOther := ObjectPath(4)
	if registeredOther.Matches(changed) {
		t.Errorf("registration under a different object must not match")
	}

	registeredDeep := ResourceInstancePath(3, 0, 9, 0)
	if registeredDeep.Matches(ResourcePath(3, 0, 9)) {
		t.Errorf("a deeper registered path must not match a shallower change")
	}
}

func TestPathString(t *testing.T) {
	if got, want := ResourcePath(3, 0, 9).String(), "/3/0/9"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := RootPath().String(), "/"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
