package tasks

import "testing"

func TestMutexRegistryAllOrNothing(t *testing.T) {
	r := NewMutexRegistry()

	if !r.Acquire("task-1", []string{"db-migrations", "lockfile"}) {
		t.Fatal("expected first acquire to succeed")
	}

	// task-2 wants an overlapping set; must fail entirely, not partially.
	if r.Acquire("task-2", []string{"lockfile", "router"}) {
		t.Fatal("expected overlapping acquire to fail")
	}
	if !r.Available([]string{"router"}) {
		t.Fatal("router should still be free: failed acquire must not take any locks")
	}

	r.Release("task-1", []string{"db-migrations", "lockfile"})
	if !r.Available([]string{"db-migrations", "lockfile"}) {
		t.Fatal("expected both mutexes free after release")
	}
}

func TestMutexRegistryAtMostOneHolder(t *testing.T) {
	r := NewMutexRegistry()
	r.Acquire("task-1", []string{"router"})

	holder, held := r.HolderOf("router")
	if !held || holder != "task-1" {
		t.Fatalf("expected task-1 to hold router, got holder=%q held=%v", holder, held)
	}

	if r.Acquire("task-2", []string{"router"}) {
		t.Fatal("expected second acquire of the same mutex to fail")
	}
}

func TestMutexRegistryReleaseIsOwnerScoped(t *testing.T) {
	r := NewMutexRegistry()
	r.Acquire("task-1", []string{"router"})

	// task-2 never held "router"; releasing it must not steal task-1's lock.
	r.Release("task-2", []string{"router"})
	if r.Available([]string{"router"}) {
		t.Fatal("release by non-holder must not free the mutex")
	}
}

func TestValidMutexNames(t *testing.T) {
	cases := map[string]bool{
		"db-migrations":      true,
		"lockfile":           true,
		"router":              true,
		"global-config":       true,
		"contract:payments":   true,
		"contract:":           true,
		"weird":               false,
		"":                    false,
	}
	for name, want := range cases {
		if got := ValidMutexName(name); got != want {
			t.Errorf("ValidMutexName(%q) = %v, want %v", name, got, want)
		}
	}
}
