package ssm

import (
	"errors"
	"testing"
)

func TestLinearRun(t *testing.T) {
	var visited []int
	m := New("linear", 3, func(m *Machine) {
		visited = append(visited, m.State())
		m.Next()
	})

	completed := false
	m.Start(func(m *Machine) {
		completed = true
		if m.Err() != nil {
			t.Errorf("unexpected error: %v", m.Err())
		}
	})

	if !completed {
		t.Fatal("machine did not complete")
	}
	if len(visited) != 3 || visited[0] != 0 || visited[1] != 1 || visited[2] != 2 {
		t.Errorf("unexpected state sequence: %v", visited)
	}
}

func TestAbortCarriesError(t *testing.T) {
	boom := errors.New("boom")
	m := New("aborting", 2, func(m *Machine) {
		if m.State() == 0 {
			m.Next()
		} else {
			m.Abort(boom)
		}
	})

	var got error
	m.Start(func(m *Machine) { got = m.Err() })

	if !errors.Is(got, boom) {
		t.Errorf("expected boom, got %v", got)
	}
	if !m.Completed() {
		t.Error("aborted machine should report completed")
	}
}

func TestJumpTo(t *testing.T) {
	var visited []int
	m := New("jumper", 4, func(m *Machine) {
		visited = append(visited, m.State())
		switch m.State() {
		case 0:
			m.JumpTo(2)
		case 2:
			m.Next()
		case 3:
			m.Complete()
		}
	})
	m.Start(nil)

	want := []int{0, 2, 3}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited %v, want %v", visited, want)
		}
	}
}

func TestJumpToSameStateReruns(t *testing.T) {
	runs := 0
	m := New("rerun", 2, func(m *Machine) {
		switch m.State() {
		case 0:
			runs++
			if runs < 3 {
				m.JumpTo(0)
			} else {
				m.Next()
			}
		case 1:
			m.Complete()
		}
	})
	m.Start(nil)
	if runs != 3 {
		t.Errorf("state 0 ran %d times, want 3", runs)
	}
}

func TestSubMachineAdvancesParent(t *testing.T) {
	var order []string

	child := New("child", 1, func(m *Machine) {
		order = append(order, "child")
		m.Complete()
	})

	parent := New("parent", 2, func(m *Machine) {
		switch m.State() {
		case 0:
			order = append(order, "parent0")
			m.StartSub(child, nil)
		case 1:
			order = append(order, "parent1")
			m.Complete()
		}
	})

	done := false
	parent.Start(func(m *Machine) { done = true })

	if !done {
		t.Fatal("parent did not complete")
	}
	want := []string{"parent0", "child", "parent1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestSubMachineAbortBubbles(t *testing.T) {
	boom := errors.New("child failed")

	child := New("child", 1, func(m *Machine) {
		m.Abort(boom)
	})

	reached1 := false
	parent := New("parent", 2, func(m *Machine) {
		switch m.State() {
		case 0:
			m.StartSub(child, nil)
		case 1:
			reached1 = true
		}
	})

	var got error
	parent.Start(func(m *Machine) { got = m.Err() })

	if reached1 {
		t.Error("parent advanced past failed child")
	}
	if !errors.Is(got, boom) {
		t.Errorf("parent error = %v, want %v", got, boom)
	}
}

func TestSubMachineCompleteCallbackRunsFirst(t *testing.T) {
	var order []string

	child := New("child", 1, func(m *Machine) { m.Complete() })

	parent := New("parent", 2, func(m *Machine) {
		switch m.State() {
		case 0:
			m.StartSub(child, func(m *Machine) {
				order = append(order, "child-complete")
			})
		case 1:
			order = append(order, "parent1")
			m.Complete()
		}
	})
	parent.Start(nil)

	if len(order) != 2 || order[0] != "child-complete" || order[1] != "parent1" {
		t.Errorf("order %v", order)
	}
}

func TestNextPastLastStateCompletes(t *testing.T) {
	m := New("tail", 1, func(m *Machine) {
		m.Next()
	})
	done := false
	m.Start(func(m *Machine) { done = true })
	if !done || m.Err() != nil {
		t.Errorf("done=%v err=%v", done, m.Err())
	}
}

func TestTransitionAfterCompletionPanics(t *testing.T) {
	m := New("dead", 1, func(m *Machine) { m.Complete() })
	m.Start(nil)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on Next after completion")
		}
	}()
	m.Next()
}

func TestAsyncTransition(t *testing.T) {
	// transitions may come from a later callback rather than the
	// action itself
	var resume func()
	m := New("async", 2, func(m *Machine) {
		switch m.State() {
		case 0:
			resume = func() { m.Next() }
		case 1:
			m.Complete()
		}
	})

	done := false
	m.Start(func(m *Machine) { done = true })
	if done {
		t.Fatal("completed before async resume")
	}
	resume()
	if !done {
		t.Fatal("did not complete after resume")
	}
}
